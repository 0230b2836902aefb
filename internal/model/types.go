package model

import (
	"cmp"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward progression. failed sits outside it.
var rank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusFailed
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Advances reports whether moving from s to next is allowed.
// Forward moves along pending < sent < delivered < read are accepted,
// and failed may be entered from any non-terminal state.
func (s Status) Advances(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok1 := rank[s]
	to, ok2 := rank[next]
	return ok1 && ok2 && to > from
}

// Message is a chat message as held in local state.
type Message struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id,omitempty"`
	ServerID        string    `json:"server_id,omitempty"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at"`
	ServerTimestamp time.Time `json:"server_timestamp,omitzero"`
	Status          Status    `json:"status"`
	Deleted         bool      `json:"deleted,omitempty"`
}

// OrderTime is the timestamp messages are sorted by within a conversation.
func (m *Message) OrderTime() time.Time {
	if !m.ServerTimestamp.IsZero() {
		return m.ServerTimestamp
	}
	return m.CreatedAt
}

// CompareOrder orders a before b by OrderTime, then by ID.
func CompareOrder(a, b *Message) int {
	if c := a.OrderTime().Compare(b.OrderTime()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Conversation holds the stored fields of a conversation. Unread counts are
// derived from messages and never stored.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastReadAt    time.Time `json:"last_read_at,omitzero"`
}

// OutboxEntry wraps a message awaiting server acknowledgment.
type OutboxEntry struct {
	Message       Message   `json:"message"`
	Attempt       int       `json:"attempt"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	InFlightSince time.Time `json:"-"`
}

// PresenceStatus is a user's availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Valid reports whether p is a known presence status.
func (p PresenceStatus) Valid() bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// Presence is ephemeral and never persisted.
type Presence struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// Typing is a typing indicator for one user in one conversation.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// Session identifies the authenticated user for the lifetime of a login.
type Session struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}
