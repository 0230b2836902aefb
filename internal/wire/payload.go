package wire

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// MessagePayload is carried by message.send in both directions. Outbound it
// has no ID or ServerTimestamp; inbound it is the server's copy.
type MessagePayload struct {
	ID              string       `json:"id,omitempty"`
	ClientID        string       `json:"clientId,omitempty"`
	ConversationID  string       `json:"conversationId"`
	SenderID        string       `json:"senderId"`
	Text            string       `json:"text"`
	CreatedAt       time.Time    `json:"createdAt"`
	ServerTimestamp time.Time    `json:"serverTimestamp,omitzero"`
	Status          model.Status `json:"status,omitempty"`
}

// AckPayload acknowledges a message.send. A non-empty Error is a rejection.
type AckPayload struct {
	ClientID        string    `json:"clientId"`
	MessageID       string    `json:"messageId"`
	ConversationID  string    `json:"conversationId,omitempty"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
	Error           string    `json:"error,omitempty"`
}

// UpdatePayload changes the status of a message, or tombstones it when
// Deleted is set.
type UpdatePayload struct {
	MessageID      string       `json:"messageId"`
	ConversationID string       `json:"conversationId"`
	Status         model.Status `json:"status,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
}

// PresencePayload reports a user's presence.
type PresencePayload struct {
	UserID     string               `json:"userId"`
	Status     model.PresenceStatus `json:"status"`
	LastSeenAt time.Time            `json:"lastSeenAt,omitzero"`
}

// TypingPayload reports a typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// AuthPayload is the handshake request (Token set) and reply (OK set).
type AuthPayload struct {
	Token  string `json:"token,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FromMessage converts a local message to its outbound payload.
func FromMessage(m *model.Message) MessagePayload {
	return MessagePayload{
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

// Message converts an inbound payload to a local message. A missing status
// means the server has stored it, i.e. sent. A missing creation time falls
// back to the server timestamp.
func (p MessagePayload) Message() model.Message {
	status := p.Status
	if status == "" {
		status = model.StatusSent
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = p.ServerTimestamp
	}
	return model.Message{
		ID:              p.ID,
		ClientID:        p.ClientID,
		ServerID:        p.ID,
		ConversationID:  p.ConversationID,
		SenderID:        p.SenderID,
		Text:            p.Text,
		CreatedAt:       created,
		ServerTimestamp: p.ServerTimestamp,
		Status:          status,
	}
}
