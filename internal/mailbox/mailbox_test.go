package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestFIFO(t *testing.T) {
	m := New[int]()
	for i := range 5 {
		m.Put(i)
	}
	got := m.Take()
	for i, v := range got {
		if v != i {
			t.Fatalf("got %v, want 0..4 in order", got)
		}
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Take, want 0", m.Len())
	}
}

func TestReadySignal(t *testing.T) {
	m := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Put("x")
	}()
	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ready signal")
	}
	if got := m.Take(); len(got) != 1 || got[0] != "x" {
		t.Errorf("Take() = %v, want [x]", got)
	}
}

func TestPutNeverBlocks(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				m.Put(p*1000 + i)
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers blocked without a consumer")
	}
	if m.Len() != 4000 {
		t.Errorf("Len() = %d, want 4000", m.Len())
	}
}

func TestClosedRejectsPut(t *testing.T) {
	m := New[int]()
	m.Put(1)
	m.Close()
	if m.Put(2) {
		t.Error("Put after Close should report false")
	}
	if got := m.Take(); len(got) != 1 {
		t.Errorf("queued items should survive Close, got %v", got)
	}
}
