// Package presence tracks ephemeral presence and typing state. Nothing here
// is persisted.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/matheus3301/chatsync/internal/model"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh.
const DefaultTypingTTL = 6 * time.Second

// Tracker holds presence by user and typing indicators by conversation.
type Tracker struct {
	presence *cache.Cache
	typing   *cache.Cache
	ttl      time.Duration

	mu       sync.Mutex
	clearing map[string]bool
	onExpire func(model.Typing)
}

// New creates a Tracker. onExpire is called, possibly from a background
// goroutine, when a typing indicator times out; it must only enqueue.
func New(typingTTL time.Duration, onExpire func(model.Typing)) *Tracker {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	cleanup := typingTTL / 6
	if cleanup < 100*time.Millisecond {
		cleanup = 100 * time.Millisecond
	}
	t := &Tracker{
		presence: cache.New(cache.NoExpiration, 0),
		typing:   cache.New(typingTTL, cleanup),
		ttl:      typingTTL,
		clearing: make(map[string]bool),
		onExpire: onExpire,
	}
	t.typing.OnEvicted(t.evicted)
	return t
}

func typingKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

func (t *Tracker) evicted(key string, _ any) {
	t.mu.Lock()
	explicit := t.clearing[key]
	delete(t.clearing, key)
	t.mu.Unlock()
	if explicit || t.onExpire == nil {
		return
	}
	conv, user, _ := strings.Cut(key, "|")
	t.onExpire(model.Typing{ConversationID: conv, UserID: user})
}

// SetPresence records p, replacing whatever was there.
func (t *Tracker) SetPresence(p model.Presence) {
	t.presence.Set(p.UserID, p, cache.NoExpiration)
}

// Presence returns the last known presence of userID.
func (t *Tracker) Presence(userID string) (model.Presence, bool) {
	v, ok := t.presence.Get(userID)
	if !ok {
		return model.Presence{}, false
	}
	return v.(model.Presence), true
}

// PresenceUsers returns the ids with a known presence, sorted.
func (t *Tracker) PresenceUsers() []string {
	items := t.presence.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetTyping refreshes the TTL of a typing indicator, or clears it.
// It reports whether the visible typing set changed.
func (t *Tracker) SetTyping(ty model.Typing) bool {
	key := typingKey(ty.ConversationID, ty.UserID)
	_, was := t.typing.Get(key)
	if ty.Typing {
		t.typing.Set(key, ty, cache.DefaultExpiration)
		return !was
	}
	if !was {
		return false
	}
	t.mu.Lock()
	t.clearing[key] = true
	t.mu.Unlock()
	t.typing.Delete(key)
	return true
}

// Typing returns the users currently typing in conversationID, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	prefix := conversationID + "|"
	var users []string
	for key := range t.typing.Items() {
		if user, ok := strings.CutPrefix(key, prefix); ok {
			users = append(users, user)
		}
	}
	slices.Sort(users)
	return users
}

// Clear forgets all presence and typing state without expiry callbacks.
// It returns the users and conversations that had state.
func (t *Tracker) Clear() (users, conversations []string) {
	users = t.PresenceUsers()
	seen := make(map[string]bool)
	for key := range t.typing.Items() {
		conv, _, _ := strings.Cut(key, "|")
		if !seen[conv] {
			seen[conv] = true
			conversations = append(conversations, conv)
		}
	}
	slices.Sort(conversations)
	t.presence.Flush()
	t.typing.Flush()
	return users, conversations
}
