package bus

import "time"

// Event is a notification published on the bus.
// Topic scopes it (e.g. "conversation:c1"), Kind says what happened.
type Event struct {
	ID        string
	Topic     string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Topic helpers for the subscriber surface.
const (
	TopicSession   = "session"
	TopicTransport = "transport"
)

// ConversationTopic is the topic for changes to one conversation.
func ConversationTopic(id string) string { return "conversation:" + id }

// PresenceTopic is the topic for one user's presence.
func PresenceTopic(userID string) string { return "presence:" + userID }

// TypingTopic is the topic for typing indicators in one conversation.
func TypingTopic(conversationID string) string { return "typing:" + conversationID }
