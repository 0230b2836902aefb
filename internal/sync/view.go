package sync

import (
	"cmp"
	"maps"
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
)

// ConversationView is an immutable snapshot of one conversation.
type ConversationView struct {
	model.Conversation
	UnreadCount int             `json:"unread_count"`
	Messages    []model.Message `json:"messages"`
}

// LastMessage returns the newest visible message, if any.
func (v *ConversationView) LastMessage() (model.Message, bool) {
	for i := len(v.Messages) - 1; i >= 0; i-- {
		if !v.Messages[i].Deleted {
			return v.Messages[i], true
		}
	}
	return model.Message{}, false
}

// TypingView lists who is typing in a conversation.
type TypingView struct {
	ConversationID string   `json:"conversation_id"`
	Users          []string `json:"users"`
}

// snapshot is what readers see. It is replaced wholesale, never mutated.
type snapshot struct {
	conversations map[string]*ConversationView
}

func (s *State) view(id string) *ConversationView {
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	conv := c.Conversation
	conv.Participants = slices.Clone(c.Participants)
	return &ConversationView{
		Conversation: conv,
		UnreadCount:  s.unread(c),
		Messages:     c.sorted(),
	}
}

// next builds a snapshot from prev, rebuilding only the changed conversations.
func (s *State) next(prev *snapshot, changed []string) *snapshot {
	out := &snapshot{conversations: make(map[string]*ConversationView, len(s.convs))}
	if prev != nil {
		maps.Copy(out.conversations, prev.conversations)
	}
	for _, id := range changed {
		if v := s.view(id); v != nil {
			out.conversations[id] = v
		} else {
			delete(out.conversations, id)
		}
	}
	return out
}

// ordered returns the snapshot's conversations, most recently active first.
func (sn *snapshot) ordered() []ConversationView {
	out := make([]ConversationView, 0, len(sn.conversations))
	for _, v := range sn.conversations {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b ConversationView) int {
		am, aok := a.LastMessage()
		bm, bok := b.LastMessage()
		switch {
		case aok && bok:
			if c := model.CompareOrder(&bm, &am); c != 0 {
				return c
			}
		case aok:
			return -1
		case bok:
			return 1
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// message finds a message by current id or client id.
func (sn *snapshot) message(id string) (model.Message, bool) {
	for _, v := range sn.conversations {
		for _, m := range v.Messages {
			if m.ID == id || m.ClientID == id {
				return m, true
			}
		}
	}
	return model.Message{}, false
}
