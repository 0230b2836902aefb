package sync

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
)

func newTestReconciler(self string) (*Reconciler, *State) {
	st := NewState(self)
	return NewReconciler(st, presence.New(time.Minute, nil), nil), st
}

func inbound(id, conv, sender string, created time.Time) model.Message {
	return model.Message{
		ID:              id,
		ConversationID:  conv,
		SenderID:        sender,
		Text:            "text " + id,
		CreatedAt:       created,
		ServerTimestamp: created,
		Status:          model.StatusSent,
	}
}

func mustFind(t *testing.T, st *State, id string) model.Message {
	t.Helper()
	_, m, ok := st.find(id)
	if !ok {
		t.Fatalf("message %s not found", id)
	}
	return *m
}

func TestApplyInboundMessageIdempotent(t *testing.T) {
	r, st := newTestReconciler("alice")
	m := inbound("srv-1", "c1", "bob", time.UnixMilli(1000))

	if !r.ApplyInboundMessage(m) {
		t.Fatal("first apply should change state")
	}
	once, _ := st.record("c1")

	if r.ApplyInboundMessage(m) {
		t.Error("replay should report no change")
	}
	twice, _ := st.record("c1")
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replay changed state:\n once: %+v\ntwice: %+v", once, twice)
	}
	if len(twice.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(twice.Messages))
	}
}

func TestApplyInboundOutOfOrder(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.ApplyInboundMessage(inbound("srv-2", "c1", "bob", time.UnixMilli(2000)))
	r.ApplyInboundMessage(inbound("srv-3", "c1", "bob", time.UnixMilli(3000)))
	r.ApplyInboundMessage(inbound("srv-1", "c1", "bob", time.UnixMilli(1000)))

	rec, _ := st.record("c1")
	var ids []string
	for _, m := range rec.Messages {
		ids = append(ids, m.ID)
	}
	if !reflect.DeepEqual(ids, []string{"srv-1", "srv-2", "srv-3"}) {
		t.Errorf("order = %v, want srv-1 srv-2 srv-3", ids)
	}
	if rec.Conversation.LastMessageID != "srv-3" {
		t.Errorf("LastMessageID = %s, want srv-3", rec.Conversation.LastMessageID)
	}
}

func TestInboundTextIsImmutable(t *testing.T) {
	r, st := newTestReconciler("alice")
	m := inbound("srv-1", "c1", "bob", time.UnixMilli(1000))
	r.ApplyInboundMessage(m)

	m.Text = "edited"
	m.Status = model.StatusDelivered
	r.ApplyInboundMessage(m)

	got := mustFind(t, st, "srv-1")
	if got.Text != "text srv-1" {
		t.Errorf("Text = %q, want original", got.Text)
	}
	if got.Status != model.StatusDelivered {
		t.Errorf("Status = %s, want delivered", got.Status)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.ApplyInboundMessage(inbound("srv-1", "c1", "bob", time.UnixMilli(1000)))

	if !r.ApplyStatusUpdate("srv-1", model.StatusDelivered) {
		t.Fatal("sent -> delivered should apply")
	}
	if r.ApplyStatusUpdate("srv-1", model.StatusSent) {
		t.Error("delivered -> sent should be rejected")
	}
	if got := mustFind(t, st, "srv-1").Status; got != model.StatusDelivered {
		t.Errorf("Status = %s, want delivered", got)
	}
}

// TestReadThenDeliveredEndsRead covers updates for one message arriving out
// of order: the higher status wins regardless of arrival.
func TestReadThenDeliveredEndsRead(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.ApplyInboundMessage(inbound("srv-1", "c1", "alice", time.UnixMilli(1000)))

	r.ApplyStatusUpdate("srv-1", model.StatusRead)
	r.ApplyStatusUpdate("srv-1", model.StatusDelivered)

	if got := mustFind(t, st, "srv-1").Status; got != model.StatusRead {
		t.Errorf("Status = %s, want read", got)
	}
}

func TestFailedFromNonTerminal(t *testing.T) {
	tests := []struct {
		from model.Status
		want bool
	}{
		{model.StatusPending, true},
		{model.StatusSent, true},
		{model.StatusDelivered, true},
		{model.StatusRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			r, _ := newTestReconciler("alice")
			m := inbound("srv-1", "c1", "alice", time.UnixMilli(1000))
			m.Status = tt.from
			r.ApplyInboundMessage(m)
			if got := r.ApplyStatusUpdate("srv-1", model.StatusFailed); got != tt.want {
				t.Errorf("failed from %s = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}

func TestTombstoneBlocksReplay(t *testing.T) {
	r, st := newTestReconciler("alice")
	m := inbound("srv-1", "c1", "bob", time.UnixMilli(1000))
	r.ApplyInboundMessage(m)

	if !r.ApplyDelete("srv-1") {
		t.Fatal("delete should apply")
	}
	if r.ApplyInboundMessage(m) {
		t.Error("replay of a deleted message should be ignored")
	}
	if r.ApplyStatusUpdate("srv-1", model.StatusRead) {
		t.Error("status update on a deleted message should be ignored")
	}
	got := mustFind(t, st, "srv-1")
	if !got.Deleted || got.Status != model.StatusSent {
		t.Errorf("message = %+v, want deleted and untouched", got)
	}
}

func TestAckCorrelatesPendingMessage(t *testing.T) {
	r, st := newTestReconciler("alice")
	created := time.UnixMilli(1000)
	r.InsertPending(model.Message{
		ID: "c-1", ClientID: "c-1", ConversationID: "c1", SenderID: "alice",
		Text: "Hola", CreatedAt: created, Status: model.StatusPending,
	})

	ts := time.UnixMilli(1500)
	if !r.ApplyAck("c-1", "srv-42", ts) {
		t.Fatal("ack should apply")
	}
	if r.ApplyAck("c-1", "srv-42", ts) {
		t.Error("repeated ack should be a no-op")
	}

	rec, _ := st.record("c1")
	if len(rec.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (no duplicate)", len(rec.Messages))
	}
	m := rec.Messages[0]
	if m.ID != "srv-42" || m.ClientID != "c-1" || m.Status != model.StatusSent || !m.ServerTimestamp.Equal(ts) {
		t.Errorf("message = %+v", m)
	}
	// Both ids resolve to the same record.
	if mustFind(t, st, "c-1").ID != "srv-42" {
		t.Error("client id no longer resolves")
	}
}

// TestEchoBeforeAckMerges covers the server broadcasting our message
// (without a client id) before the ack arrives.
func TestEchoBeforeAckMerges(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.InsertPending(model.Message{
		ID: "c-1", ClientID: "c-1", ConversationID: "c1", SenderID: "alice",
		Text: "Hola", CreatedAt: time.UnixMilli(1000), Status: model.StatusPending,
	})
	echo := inbound("srv-42", "c1", "alice", time.UnixMilli(1500))
	echo.Status = model.StatusDelivered
	r.ApplyInboundMessage(echo)

	r.ApplyAck("c-1", "srv-42", time.UnixMilli(1500))

	rec, _ := st.record("c1")
	if len(rec.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 after merge", len(rec.Messages))
	}
	if got := rec.Messages[0]; got.Status != model.StatusDelivered || got.Text != "Hola" {
		t.Errorf("merged message = %+v, want delivered with original text", got)
	}
}

func TestInboundCorrelatesByClientID(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.InsertPending(model.Message{
		ID: "c-1", ClientID: "c-1", ConversationID: "c1", SenderID: "alice",
		Text: "hi", CreatedAt: time.UnixMilli(1000), Status: model.StatusPending,
	})
	m := inbound("srv-7", "c1", "alice", time.UnixMilli(1200))
	m.ClientID = "c-1"
	r.ApplyInboundMessage(m)

	rec, _ := st.record("c1")
	if len(rec.Messages) != 1 || rec.Messages[0].ID != "srv-7" {
		t.Errorf("messages = %+v, want one message srv-7", rec.Messages)
	}
}

func TestUnreadCountDerived(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.ApplyInboundMessage(inbound("srv-1", "c1", "bob", time.UnixMilli(1000)))
	r.ApplyInboundMessage(inbound("srv-2", "c1", "bob", time.UnixMilli(2000)))
	r.ApplyInboundMessage(inbound("srv-3", "c1", "alice", time.UnixMilli(3000)))
	r.ApplyInboundMessage(inbound("srv-4", "c1", "bob", time.UnixMilli(4000)))

	c := st.convs["c1"]
	if got := st.unread(c); got != 3 {
		t.Errorf("unread = %d, want 3", got)
	}

	r.ApplyStatusUpdate("srv-4", model.StatusRead)
	if got := st.unread(c); got != 2 {
		t.Errorf("unread after read = %d, want 2", got)
	}

	c.LastReadAt = time.UnixMilli(1000)
	if got := st.unread(c); got != 1 {
		t.Errorf("unread after watermark = %d, want 1", got)
	}

	r.ApplyDelete("srv-2")
	if got := st.unread(c); got != 0 {
		t.Errorf("unread after delete = %d, want 0", got)
	}
}

func TestPresenceLastWriteWins(t *testing.T) {
	r, _ := newTestReconciler("alice")
	r.ApplyPresence(model.Presence{UserID: "bob", Status: model.PresenceOnline, LastSeenAt: time.UnixMilli(2000)})
	r.ApplyPresence(model.Presence{UserID: "bob", Status: model.PresenceAway, LastSeenAt: time.UnixMilli(1000)})

	p, _ := r.tracker.Presence("bob")
	if p.Status != model.PresenceAway {
		t.Errorf("presence = %s, want away (arrival order)", p.Status)
	}
	if r.ApplyPresence(model.Presence{UserID: "bob", Status: "busy"}) {
		t.Error("invalid presence should be ignored")
	}
	users, _ := r.takeEphemeral()
	if len(users) != 1 || users[0] != "bob" {
		t.Errorf("dirty presence = %v, want [bob]", users)
	}
}

func TestStatusUpdateBeforeAck(t *testing.T) {
	r, st := newTestReconciler("alice")
	r.InsertPending(model.Message{
		ID: "c-1", ClientID: "c-1", ConversationID: "c1", SenderID: "alice",
		Text: "Hola", CreatedAt: time.UnixMilli(1000), Status: model.StatusPending,
	})

	if r.ApplyStatusUpdate("srv-42", model.StatusDelivered) {
		t.Error("update for an unseen id should not change state yet")
	}
	r.ApplyAck("c-1", "srv-42", time.UnixMilli(1500))

	if got := mustFind(t, st, "srv-42"); got.Status != model.StatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if len(r.early) != 0 {
		t.Errorf("held updates = %v, want none after the ack", r.early)
	}
}

func TestStatusUpdateBeforeMessage(t *testing.T) {
	r, st := newTestReconciler("alice")

	r.ApplyStatusUpdate("m1", model.StatusRead)
	r.ApplyStatusUpdate("m1", model.StatusDelivered)
	r.ApplyInboundMessage(inbound("m1", "c1", "bob", time.UnixMilli(1000)))

	if got := mustFind(t, st, "m1"); got.Status != model.StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if n := st.unread(st.convs["c1"]); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}

	// A later replay of the same message does not pick up anything stale.
	r.ApplyInboundMessage(inbound("m1", "c1", "bob", time.UnixMilli(1000)))
	if got := mustFind(t, st, "m1"); got.Status != model.StatusRead {
		t.Errorf("status after replay = %s, want read", got.Status)
	}
}

func TestHeldUpdatesBounded(t *testing.T) {
	r, _ := newTestReconciler("alice")
	for i := range maxEarly + 10 {
		r.ApplyStatusUpdate(fmt.Sprintf("m%d", i), model.StatusDelivered)
	}
	if len(r.early) != maxEarly {
		t.Errorf("held %d updates, want %d", len(r.early), maxEarly)
	}
	r.ApplyStatusUpdate("m0", model.StatusRead)
	if r.early["m0"] != model.StatusRead {
		t.Errorf("m0 = %s, want read", r.early["m0"])
	}
	r.reset()
	if len(r.early) != 0 {
		t.Error("reset should drop held updates")
	}
}
