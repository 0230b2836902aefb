package bus

import (
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/mailbox"
)

// Bus is an in-process publish/subscribe event bus with topic prefix filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
	box    *mailbox.Mailbox[Event]
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose prefix matches event.Topic.
// It never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Topic, sub.prefix) {
			continue
		}
		if sub.box != nil {
			sub.box.Put(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events whose topic starts with prefix.
// Events are dropped when the buffer is full. Returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{prefix: prefix, ch: ch})
	return ch, func() { b.remove(id) }
}

// SubscribeFunc calls fn for every event whose topic starts with prefix, in
// publish order, from a dedicated goroutine. Nothing is dropped and a slow fn
// never blocks Publish. The returned function unsubscribes; it is safe to call
// more than once.
func (b *Bus) SubscribeFunc(prefix string, fn func(Event)) func() {
	box := mailbox.New[Event]()
	id := b.add(&subscription{prefix: prefix, box: box})

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-box.Ready():
				for _, evt := range box.Take() {
					select {
					case <-stop:
						return
					default:
					}
					fn(evt)
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(id)
			box.Close()
			close(stop)
		})
	}
}

func (b *Bus) add(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return id
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
