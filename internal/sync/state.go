package sync

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// conversation is the mutable record behind a conversation snapshot.
// Messages are keyed by their local key: the client id for messages we
// authored, the server id for everything else. The key never changes.
type conversation struct {
	model.Conversation
	messages map[string]*model.Message
}

type ref struct {
	conv string
	key  string
}

// State is the in-memory conversation and message state. Only the engine's
// queue goroutine touches it.
type State struct {
	self     string
	convs    map[string]*conversation
	byServer map[string]ref
	byClient map[string]ref

	dirty     map[string]bool
	listDirty bool
}

// NewState creates empty state for the user self.
func NewState(self string) *State {
	return &State{
		self:     self,
		convs:    make(map[string]*conversation),
		byServer: make(map[string]ref),
		byClient: make(map[string]ref),
		dirty:    make(map[string]bool),
	}
}

// SetSelf changes the local user id used for unread counts.
func (s *State) SetSelf(self string) {
	if s.self == self {
		return
	}
	s.self = self
	for id := range s.convs {
		s.dirty[id] = true
	}
}

func (s *State) ensure(id string, participants ...string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{
			Conversation: model.Conversation{ID: id},
			messages:     make(map[string]*model.Message),
		}
		s.convs[id] = c
		s.listDirty = true
		s.dirty[id] = true
	}
	for _, p := range participants {
		if p != "" && !slices.Contains(c.Participants, p) {
			c.Participants = append(c.Participants, p)
			s.dirty[id] = true
		}
	}
	return c
}

func localKey(m *model.Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ServerID
}

// find resolves a message by server id, then client id.
func (s *State) find(id string) (*conversation, *model.Message, bool) {
	r, ok := s.byServer[id]
	if !ok {
		r, ok = s.byClient[id]
	}
	if !ok {
		return nil, nil, false
	}
	c := s.convs[r.conv]
	if c == nil {
		return nil, nil, false
	}
	m := c.messages[r.key]
	return c, m, m != nil
}

func (s *State) insert(m model.Message) *model.Message {
	c := s.ensure(m.ConversationID, s.self, m.SenderID)
	msg := m
	key := localKey(&msg)
	c.messages[key] = &msg
	s.index(c.ID, key, &msg)
	s.touch(c)
	return &msg
}

func (s *State) index(conv, key string, m *model.Message) {
	if m.ServerID != "" {
		s.byServer[m.ServerID] = ref{conv: conv, key: key}
	}
	if m.ClientID != "" {
		s.byClient[m.ClientID] = ref{conv: conv, key: key}
	}
}

// drop removes a message record entirely. Used only when merging a duplicate.
func (s *State) drop(c *conversation, key string) {
	m := c.messages[key]
	if m == nil {
		return
	}
	delete(c.messages, key)
	if r, ok := s.byServer[m.ServerID]; ok && r.key == key {
		delete(s.byServer, m.ServerID)
	}
	if r, ok := s.byClient[m.ClientID]; ok && r.key == key {
		delete(s.byClient, m.ClientID)
	}
	s.touch(c)
}

// touch marks c changed and recomputes its last message.
func (s *State) touch(c *conversation) {
	s.dirty[c.ID] = true
	var last *model.Message
	for _, m := range c.messages {
		if m.Deleted {
			continue
		}
		if last == nil || model.CompareOrder(m, last) > 0 {
			last = m
		}
	}
	if last == nil {
		c.LastMessageID = ""
	} else {
		c.LastMessageID = last.ID
	}
}

// unread counts messages from others created after the read watermark that
// are not read.
func (s *State) unread(c *conversation) int {
	n := 0
	for _, m := range c.messages {
		if m.SenderID == s.self || m.Deleted || m.Status == model.StatusRead {
			continue
		}
		if m.CreatedAt.After(c.LastReadAt) {
			n++
		}
	}
	return n
}

// latest returns the newest server timestamp in conversation id.
func (s *State) latest(id string) time.Time {
	var ts time.Time
	c, ok := s.convs[id]
	if !ok {
		return ts
	}
	for _, m := range c.messages {
		if m.ServerTimestamp.After(ts) {
			ts = m.ServerTimestamp
		}
	}
	return ts
}

// sorted returns copies of c's messages in conversation order.
func (c *conversation) sorted() []model.Message {
	out := make([]model.Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b model.Message) int { return model.CompareOrder(&a, &b) })
	return out
}

// takeDirty returns and resets the changed conversation ids.
func (s *State) takeDirty() (convs []string, list bool) {
	for id := range s.dirty {
		convs = append(convs, id)
	}
	slices.Sort(convs)
	list = s.listDirty
	s.dirty = make(map[string]bool)
	s.listDirty = false
	return convs, list
}

// ids returns all conversation ids, sorted.
func (s *State) ids() []string {
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// load replaces a conversation with a persisted record.
func (s *State) load(rec storedConversation) {
	c := &conversation{
		Conversation: rec.Conversation,
		messages:     make(map[string]*model.Message, len(rec.Messages)),
	}
	s.convs[c.ID] = c
	for _, m := range rec.Messages {
		msg := m
		key := localKey(&msg)
		c.messages[key] = &msg
		s.index(c.ID, key, &msg)
	}
}

// record builds the persisted form of conversation id.
func (s *State) record(id string) (storedConversation, bool) {
	c, ok := s.convs[id]
	if !ok {
		return storedConversation{}, false
	}
	return storedConversation{Conversation: c.Conversation, Messages: c.sorted()}, true
}

// reset forgets everything.
func (s *State) reset() {
	for id := range s.convs {
		s.dirty[id] = true
	}
	s.convs = make(map[string]*conversation)
	s.byServer = make(map[string]ref)
	s.byClient = make(map[string]ref)
	s.listDirty = true
}

// storedConversation is the value under store.ConversationKey(id).
type storedConversation struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
}
