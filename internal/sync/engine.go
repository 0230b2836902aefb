// Package sync reconciles optimistic local state with the server's event
// stream. All state mutation happens on one serialized task queue.
package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/mailbox"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

// MaxTextLength is the longest message text accepted, in runes.
const MaxTextLength = 1000

// Event kinds published by the engine.
const (
	KindConversationChanged = "conversation.changed"
	KindDeleteFailed        = "message.delete_failed"
	KindPresenceChanged     = "presence.changed"
	KindTypingChanged       = "typing.changed"
	KindSessionStarted      = "session.started"
	KindSessionInvalidated  = "session.invalidated"
	KindSessionLoggedOut    = "session.logged_out"
	KindBackpressure        = "transport.backpressure"
	KindConnectionLost      = "transport.connection_lost"
	KindBackfillFailed      = "sync.backfill_failed"
)

// Transport is the server connection the engine drives.
type Transport interface {
	Connect(ctx context.Context, creds model.Session) error
	Disconnect()
	Close()
	Send(f wire.Frame) error
	State() status.State
	Buffered() int
}

// Backend serves message history and deletion over HTTP.
type Backend interface {
	History(ctx context.Context, sess model.Session, since time.Time, limit int) ([]model.Message, error)
	ConversationHistory(ctx context.Context, sess model.Session, conversationID string, since time.Time, limit int) ([]model.Message, error)
	DeleteMessage(ctx context.Context, sess model.Session, conversationID, messageID string) error
}

// Config tunes the engine.
type Config struct {
	Outbox       outbox.Config
	TypingTTL    time.Duration
	HistoryLimit int
	HistoryPages int
	StoreTimeout time.Duration
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		Outbox:       outbox.DefaultConfig(),
		TypingTTL:    presence.DefaultTypingTTL,
		HistoryLimit: 100,
		HistoryPages: 10,
		StoreTimeout: 5 * time.Second,
	}
}

// Options are the engine's collaborators. Store and Transport are required.
type Options struct {
	Config    Config
	Store     store.KV
	Transport func(transport.Handler) Transport
	Backend   Backend
	Bus       *bus.Bus
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
}

// SessionEvent is the payload of session topic events.
type SessionEvent struct {
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Engine is the single entry point for callers. Its methods are safe for
// concurrent use; reads are served from immutable snapshots.
type Engine struct {
	cfg     Config
	kv      store.KV
	conn    Transport
	backend Backend
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	tasks *mailbox.Mailbox[func()]
	snap  atomic.Pointer[snapshot]
	sess  atomic.Pointer[model.Session]
	queue atomic.Int64

	netMu     gosync.Mutex
	netCtx    context.Context
	netCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the queue goroutine.
	state     *State
	rec       *Reconciler
	outbox    *outbox.Outbox
	tracker   *presence.Tracker
	session   model.Session
	cursor    time.Time
	dirtyKeys map[string]bool
	events    map[string]bus.Event
}

// New creates an engine. Call Start before use.
func New(opts Options) *Engine {
	e := &Engine{
		cfg:       opts.Config,
		kv:        opts.Store,
		backend:   opts.Backend,
		bus:       opts.Bus,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		tasks:     mailbox.New[func()](),
		dirtyKeys: make(map[string]bool),
		events:    make(map[string]bus.Event),
	}
	if e.bus == nil {
		e.bus = bus.New()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if e.cfg.HistoryLimit <= 0 {
		e.cfg.HistoryLimit = 100
	}
	if e.cfg.HistoryPages <= 0 {
		e.cfg.HistoryPages = 10
	}
	if e.cfg.StoreTimeout <= 0 {
		e.cfg.StoreTimeout = 5 * time.Second
	}

	e.tracker = presence.New(e.cfg.TypingTTL, func(t model.Typing) {
		e.submit(func() { e.rec.typingDirty[t.ConversationID] = true })
	})
	e.state = NewState("")
	e.rec = NewReconciler(e.state, e.tracker, e.logger.Named("reconciler"))
	e.conn = opts.Transport(func(ev transport.Event) {
		e.submit(func() { e.onTransport(ev) })
	})
	e.outbox = outbox.New(e.cfg.Outbox, e.rec, e.conn, e.logger.Named("outbox"))
	e.snap.Store(&snapshot{conversations: map[string]*ConversationView{}})
	e.netCtx, e.netCancel = context.WithCancel(context.Background())
	return e
}

// Start loads persisted state and starts the task queue and drain ticker.
func (e *Engine) Start(ctx context.Context) error {
	e.load(ctx)
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	e.outbox.Start(ctx, func() { e.submit(e.drain) })
	e.logger.Info("sync engine started",
		zap.Int("conversations", len(e.state.convs)),
		zap.Int("outbox", e.outbox.Len()),
	)
	return nil
}

// Stop closes the connection, finishes queued tasks and stops the queue.
func (e *Engine) Stop() {
	e.outbox.Stop()
	e.conn.Close()
	e.resetNet()
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.logger.Info("sync engine stopped")
}

func (e *Engine) submit(fn func()) {
	if e.tasks.Put(fn) {
		e.queue.Add(1)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-e.tasks.Ready():
			e.pass()
		case <-ctx.Done():
			e.tasks.Close()
			e.pass()
			return
		}
	}
}

// pass runs every queued task and then publishes their combined effect.
func (e *Engine) pass() {
	tasks := e.tasks.Take()
	if len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		t()
	}
	e.queue.Add(-int64(len(tasks)))
	e.flush()
}

// flush persists dirty keys, swaps the reader snapshot and publishes one
// event per changed topic.
func (e *Engine) flush() {
	convs, list := e.state.takeDirty()
	for _, id := range convs {
		e.dirtyKeys[store.ConversationKey(id)] = true
	}
	if list {
		e.dirtyKeys[store.KeyConversations] = true
	}
	e.persist()

	now := e.now()
	if len(convs) > 0 {
		snap := e.state.next(e.snap.Load(), convs)
		e.snap.Store(snap)
		for _, id := range convs {
			v, ok := snap.conversations[id]
			if !ok {
				continue
			}
			e.publish(now, bus.ConversationTopic(id), KindConversationChanged, *v)
		}
	}

	users, typing := e.rec.takeEphemeral()
	for _, id := range users {
		p, ok := e.tracker.Presence(id)
		if !ok {
			p = model.Presence{UserID: id}
		}
		e.publish(now, bus.PresenceTopic(id), KindPresenceChanged, p)
	}
	for _, id := range typing {
		e.publish(now, bus.TypingTopic(id), KindTypingChanged, TypingView{ConversationID: id, Users: e.tracker.Typing(id)})
	}

	for key, evt := range e.events {
		evt.ID = uuid.NewString()
		evt.Timestamp = now
		e.bus.Publish(evt)
		delete(e.events, key)
	}
}

func (e *Engine) publish(now time.Time, topic, kind string, payload any) {
	e.bus.Publish(bus.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Timestamp: now,
		Payload:   payload,
	})
}

// addEvent queues a non-state event for this pass. Repeats of the same
// topic and kind within a pass collapse to the last one.
func (e *Engine) addEvent(topic, kind string, payload any) {
	e.events[topic+"\x00"+kind] = bus.Event{Topic: topic, Kind: kind, Payload: payload}
}

func (e *Engine) markKey(key string) {
	e.dirtyKeys[key] = true
}

// persist writes every dirty key. Keys that fail stay dirty and are retried
// on the next pass.
func (e *Engine) persist() {
	if len(e.dirtyKeys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()

	for key := range e.dirtyKeys {
		if err := e.persistKey(ctx, key); err != nil {
			e.logger.Warn("persist failed, will retry", zap.String("key", key), zap.Error(err))
			continue
		}
		delete(e.dirtyKeys, key)
	}
}

func (e *Engine) persistKey(ctx context.Context, key string) error {
	switch key {
	case store.KeySession:
		if e.session.Token == "" {
			return e.kv.Remove(ctx, key)
		}
		return store.SetJSON(ctx, e.kv, key, e.session)
	case store.KeyOutbox:
		return store.SetJSON(ctx, e.kv, key, e.outbox.Entries())
	case store.KeyConversations:
		return store.SetJSON(ctx, e.kv, key, e.state.ids())
	case store.KeyCursor:
		if e.cursor.IsZero() {
			return e.kv.Remove(ctx, key)
		}
		return store.SetJSON(ctx, e.kv, key, e.cursor)
	}
	id, ok := strings.CutPrefix(key, "conversation:")
	if !ok {
		return nil
	}
	rec, ok := e.state.record(id)
	if !ok {
		return e.kv.Remove(ctx, key)
	}
	return store.SetJSON(ctx, e.kv, key, rec)
}

// load restores persisted state. Unreadable keys are logged and skipped.
func (e *Engine) load(ctx context.Context) {
	var sess model.Session
	if ok, err := store.GetJSON(ctx, e.kv, store.KeySession, &sess); err != nil {
		e.logger.Warn("load session", zap.Error(err))
	} else if ok && sess.Token != "" {
		e.session = sess
		e.sess.Store(&sess)
		e.state.SetSelf(sess.UserID)
	}

	var ids []string
	if _, err := store.GetJSON(ctx, e.kv, store.KeyConversations, &ids); err != nil {
		e.logger.Warn("load conversations", zap.Error(err))
	}
	for _, id := range ids {
		var rec storedConversation
		ok, err := store.GetJSON(ctx, e.kv, store.ConversationKey(id), &rec)
		if err != nil {
			e.logger.Warn("load conversation", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		if ok {
			e.state.load(rec)
		}
	}

	var entries []model.OutboxEntry
	if _, err := store.GetJSON(ctx, e.kv, store.KeyOutbox, &entries); err != nil {
		e.logger.Warn("load outbox", zap.Error(err))
	}
	e.outbox.Restore(entries)
	for _, entry := range entries {
		if _, ok := e.rec.Lookup(entry.Message.ClientID); !ok {
			e.state.insert(entry.Message)
		}
	}

	if _, err := store.GetJSON(ctx, e.kv, store.KeyCursor, &e.cursor); err != nil {
		e.logger.Warn("load sync cursor", zap.Error(err))
	}

	e.state.takeDirty()
	e.snap.Store(e.state.next(nil, e.state.ids()))
}

func (e *Engine) netContext() context.Context {
	e.netMu.Lock()
	defer e.netMu.Unlock()
	return e.netCtx
}

// resetNet cancels off-queue network work and arms a fresh context.
func (e *Engine) resetNet() {
	e.netMu.Lock()
	defer e.netMu.Unlock()
	e.netCancel()
	e.netCtx, e.netCancel = context.WithCancel(context.Background())
}

func invalid(field, msg string) error {
	return &model.ValidationError{Field: field, Message: msg}
}

func (e *Engine) currentSession() (model.Session, error) {
	s := e.sess.Load()
	if s == nil {
		return model.Session{}, invalid("session", "not logged in")
	}
	return *s, nil
}

// Connect opens the server connection for sess. Only validation errors are
// returned: a rejected session is reported on the session topic, and a
// network failure leaves the connection retrying in the background.
func (e *Engine) Connect(ctx context.Context, sess model.Session) error {
	if strings.TrimSpace(sess.Token) == "" {
		return invalid("token", "must not be empty")
	}
	if strings.TrimSpace(sess.UserID) == "" {
		return invalid("user_id", "must not be empty")
	}
	e.sess.Store(&sess)
	e.submit(func() {
		e.session = sess
		e.state.SetSelf(sess.UserID)
		e.markKey(store.KeySession)
		e.addEvent(bus.TopicSession, KindSessionStarted, SessionEvent{UserID: sess.UserID})
	})

	err := e.conn.Connect(ctx, sess)
	if err == nil {
		return nil
	}
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		e.submit(func() { e.invalidate(err) })
		return nil
	}
	e.logger.Warn("connect failed", zap.Error(err))
	return nil
}

// Disconnect closes the connection and cancels in-flight network work.
// Queued messages stay pending.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
	e.resetNet()
	e.submit(func() {
		e.outbox.Suspend()
		e.markKey(store.KeyOutbox)
	})
}

// Logout disconnects and forgets the session and all local state.
func (e *Engine) Logout() {
	e.Disconnect()
	e.sess.Store(nil)
	e.submit(e.logout)
}

func (e *Engine) logout() {
	userID := e.session.UserID
	e.session = model.Session{}
	e.cursor = time.Time{}
	e.state.reset()
	e.rec.reset()
	e.state.SetSelf("")
	e.outbox.Restore(nil)
	e.clearEphemeral()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.kv.Clear(ctx); err != nil {
		e.logger.Warn("clear store on logout", zap.Error(err))
	}
	for _, key := range []string{store.KeySession, store.KeyOutbox, store.KeyConversations, store.KeyCursor} {
		e.markKey(key)
	}
	e.addEvent(bus.TopicSession, KindSessionLoggedOut, SessionEvent{UserID: userID})
	e.logger.Info("logged out", zap.String("user_id", userID))
}

// invalidate drops a session the server rejected.
func (e *Engine) invalidate(err error) {
	userID := e.session.UserID
	e.logger.Warn("session invalidated", zap.String("user_id", userID), zap.Error(err))
	e.session = model.Session{}
	e.sess.Store(nil)
	e.markKey(store.KeySession)
	e.conn.Disconnect()
	e.resetNet()
	e.outbox.Suspend()
	e.addEvent(bus.TopicSession, KindSessionInvalidated, SessionEvent{UserID: userID, Reason: err.Error()})
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("text", "must not be empty")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return invalid("text", "longer than 1000 characters")
	}
	return nil
}

// SendMessage queues text for conversationID and returns the new message's
// client id at once. Delivery progress is reported on the conversation topic.
func (e *Engine) SendMessage(conversationID, text string) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", invalid("conversation_id", "must not be empty")
	}
	if err := validateText(text); err != nil {
		return "", err
	}
	sess, err := e.currentSession()
	if err != nil {
		return "", err
	}

	id := e.newID()
	now := e.now()
	e.submit(func() {
		if _, err := e.outbox.Enqueue(id, conversationID, sess.UserID, text, now); err != nil {
			e.logger.Error("enqueue message", zap.String("client_id", id), zap.Error(err))
			return
		}
		e.markKey(store.KeyOutbox)
		e.drain()
	})
	return id, nil
}

// drain sends due outbox entries while connected.
func (e *Engine) drain() {
	if e.conn.State() != status.Connected || e.outbox.Len() == 0 {
		return
	}
	e.outbox.Drain(e.now())
	e.markKey(store.KeyOutbox)
}

// MarkRead marks messages from other participants up to and including
// messageID as read and sends a best-effort read receipt.
func (e *Engine) MarkRead(conversationID, messageID string) error {
	if _, ok := e.snap.Load().conversations[conversationID]; !ok {
		return invalid("conversation_id", "unknown conversation")
	}
	e.submit(func() { e.markRead(conversationID, messageID) })
	return nil
}

func (e *Engine) markRead(conversationID, messageID string) {
	c, ok := e.state.convs[conversationID]
	if !ok {
		return
	}
	_, target, ok := e.state.find(messageID)
	if !ok || target.ConversationID != conversationID {
		e.logger.Warn("mark read: unknown message", zap.String("conversation_id", conversationID), zap.String("message_id", messageID))
		return
	}

	changed := false
	var receipt *model.Message
	for _, m := range c.messages {
		if m.SenderID == e.state.self || m.Deleted || model.CompareOrder(m, target) > 0 {
			continue
		}
		if m.Status.Advances(model.StatusRead) {
			m.Status = model.StatusRead
			changed = true
		}
		if m.ServerID != "" && (receipt == nil || model.CompareOrder(m, receipt) > 0) {
			receipt = m
		}
	}
	if target.CreatedAt.After(c.LastReadAt) {
		c.LastReadAt = target.CreatedAt
		changed = true
	}
	if changed {
		e.state.touch(c)
	}

	if receipt == nil {
		return
	}
	f, err := wire.New(wire.TypeMessageUpdate, "", wire.UpdatePayload{
		MessageID:      receipt.ServerID,
		ConversationID: conversationID,
		Status:         model.StatusRead,
	})
	if err == nil {
		err = e.conn.Send(f)
	}
	if err != nil {
		e.logger.Debug("read receipt not sent", zap.String("message_id", receipt.ServerID), zap.Error(err))
	}
}

// SetTyping sends a typing indicator for the local user. It is dropped
// while disconnected.
func (e *Engine) SetTyping(conversationID string, typing bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return invalid("conversation_id", "must not be empty")
	}
	sess, err := e.currentSession()
	if err != nil {
		return err
	}
	e.submit(func() {
		if e.conn.State() != status.Connected {
			return
		}
		e.sendBestEffort(wire.TypeTyping, wire.TypingPayload{
			ConversationID: conversationID,
			UserID:         sess.UserID,
			Typing:         typing,
		})
	})
	return nil
}

// SetPresence publishes the local user's presence.
func (e *Engine) SetPresence(st model.PresenceStatus) error {
	if !st.Valid() {
		return invalid("presence", "must be online, offline or away")
	}
	sess, err := e.currentSession()
	if err != nil {
		return err
	}
	e.submit(func() {
		p := model.Presence{UserID: sess.UserID, Status: st, LastSeenAt: e.now()}
		e.rec.ApplyPresence(p)
		e.sendBestEffort(wire.TypePresenceUpdate, wire.PresencePayload{
			UserID:     p.UserID,
			Status:     p.Status,
			LastSeenAt: p.LastSeenAt,
		})
	})
	return nil
}

func (e *Engine) sendBestEffort(typ string, payload any) {
	f, err := wire.New(typ, "", payload)
	if err == nil {
		err = e.conn.Send(f)
	}
	if err != nil {
		e.logger.Debug("frame not sent", zap.String("type", typ), zap.Error(err))
	}
}

// DeleteMessage tombstones a message locally and asks the backend to delete
// it. A pending message is withdrawn from the outbox instead.
func (e *Engine) DeleteMessage(conversationID, messageID string) error {
	if _, ok := e.snap.Load().conversations[conversationID]; !ok {
		return invalid("conversation_id", "unknown conversation")
	}
	e.submit(func() { e.deleteMessage(conversationID, messageID) })
	return nil
}

func (e *Engine) deleteMessage(conversationID, messageID string) {
	_, m, ok := e.state.find(messageID)
	if !ok || m.ConversationID != conversationID {
		e.logger.Warn("delete: unknown message", zap.String("conversation_id", conversationID), zap.String("message_id", messageID))
		return
	}
	if m.ClientID != "" && e.outbox.Cancel(m.ClientID) {
		e.markKey(store.KeyOutbox)
	}
	serverID := m.ServerID
	e.rec.ApplyDelete(messageID)

	if serverID == "" || e.backend == nil {
		return
	}
	sess := e.session
	ctx := e.netContext()
	go func() {
		err := e.backend.DeleteMessage(ctx, sess, conversationID, serverID)
		if err == nil {
			return
		}
		e.submit(func() {
			var authErr *model.AuthError
			if errors.As(err, &authErr) {
				e.invalidate(err)
				return
			}
			e.logger.Warn("server delete failed", zap.String("message_id", serverID), zap.Error(err))
			e.addEvent(bus.ConversationTopic(conversationID), KindDeleteFailed, map[string]string{
				"message_id": serverID,
				"error":      err.Error(),
			})
		})
	}()
}

// RetryMessage re-sends the text of a failed message as a new message and
// returns the new client id. The failed message is tombstoned.
func (e *Engine) RetryMessage(messageID string) (string, error) {
	m, ok := e.snap.Load().message(messageID)
	if !ok {
		return "", invalid("message_id", "unknown message")
	}
	if m.Status != model.StatusFailed || m.Deleted {
		return "", invalid("message_id", "message has not failed")
	}
	id := e.newID()
	e.submit(func() {
		if _, err := e.outbox.Retry(messageID, id, e.now()); err != nil {
			e.logger.Warn("retry message", zap.String("message_id", messageID), zap.Error(err))
			return
		}
		e.markKey(store.KeyOutbox)
		e.drain()
	})
	return id, nil
}

// Subscribe calls fn for every event on topic. A topic ending in ":" (or
// empty) matches every topic with that prefix. Delivery is asynchronous and
// never blocks the engine.
func (e *Engine) Subscribe(topic string, fn func(bus.Event)) (unsubscribe func()) {
	if topic == "" || strings.HasSuffix(topic, ":") {
		return e.bus.SubscribeFunc(topic, fn)
	}
	return e.bus.SubscribeFunc(topic, func(evt bus.Event) {
		if evt.Topic == topic {
			fn(evt)
		}
	})
}

// Conversation returns the latest snapshot of conversation id.
func (e *Engine) Conversation(id string) (ConversationView, bool) {
	v, ok := e.snap.Load().conversations[id]
	if !ok {
		return ConversationView{}, false
	}
	return *v, true
}

// Conversations returns every conversation, most recently active first.
func (e *Engine) Conversations() []ConversationView {
	return e.snap.Load().ordered()
}

// Presence returns the last known presence of userID.
func (e *Engine) Presence(userID string) (model.Presence, bool) {
	return e.tracker.Presence(userID)
}

// Typing returns who is typing in conversationID.
func (e *Engine) Typing(conversationID string) []string {
	return e.tracker.Typing(conversationID)
}

// Status returns the connection state.
func (e *Engine) Status() status.State {
	return e.conn.State()
}

// Session returns the active session, if any.
func (e *Engine) Session() (model.Session, bool) {
	s := e.sess.Load()
	if s == nil {
		return model.Session{}, false
	}
	return *s, true
}

// Buffered returns the number of frames waiting to be written.
func (e *Engine) Buffered() int {
	return e.conn.Buffered()
}

// Pending returns the number of tasks waiting on the queue.
func (e *Engine) Pending() int {
	return int(e.queue.Load())
}

func (e *Engine) onTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventFrame:
		e.onFrame(ev.Frame)
	case transport.EventConnected:
		e.clearEphemeral()
		e.drain()
		e.backfill()
	case transport.EventReconnecting:
		e.outbox.Suspend()
		e.markKey(store.KeyOutbox)
	case transport.EventBackpressure:
		e.addEvent(bus.TopicTransport, KindBackpressure, map[string]int{"dropped": ev.Dropped})
	case transport.EventConnectionLost:
		e.outbox.Suspend()
		e.markKey(store.KeyOutbox)
		e.addEvent(bus.TopicTransport, KindConnectionLost, errString(ev.Err))
	case transport.EventAuthFailed:
		e.invalidate(ev.Err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// clearEphemeral forgets presence and typing and flags their topics.
func (e *Engine) clearEphemeral() {
	users, convs := e.tracker.Clear()
	for _, id := range users {
		e.rec.presenceDirty[id] = true
	}
	for _, id := range convs {
		e.rec.typingDirty[id] = true
	}
}

func (e *Engine) onFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeMessageSend:
		var p wire.MessagePayload
		if err := f.Into(&p); err != nil {
			e.logger.Warn("bad frame", zap.Error(err))
			return
		}
		e.applyInbound(p.Message())

	case wire.TypeMessageAck:
		var p wire.AckPayload
		if err := f.Into(&p); err != nil {
			e.logger.Warn("bad frame", zap.Error(err))
			return
		}
		if p.ClientID == "" {
			p.ClientID = f.RequestID
		}
		if p.Error != "" {
			if e.outbox.Reject(p.ClientID, errors.New(p.Error), e.now()) {
				e.markKey(store.KeyOutbox)
			}
			return
		}
		if e.outbox.Ack(p.ClientID, p.MessageID, p.ServerTimestamp) {
			e.markKey(store.KeyOutbox)
		} else {
			e.rec.ApplyAck(p.ClientID, p.MessageID, p.ServerTimestamp)
		}
		e.advanceCursor(p.ServerTimestamp)
		e.drain()

	case wire.TypeMessageUpdate:
		var p wire.UpdatePayload
		if err := f.Into(&p); err != nil {
			e.logger.Warn("bad frame", zap.Error(err))
			return
		}
		if p.Deleted {
			e.rec.ApplyDelete(p.MessageID)
			return
		}
		if !e.rec.ApplyStatusUpdate(p.MessageID, p.Status) || p.Status != model.StatusFailed {
			return
		}
		// A message the server failed leaves the outbox so a retry is not
		// queued behind it.
		if m, ok := e.rec.Lookup(p.MessageID); ok && m.ClientID != "" && e.outbox.Cancel(m.ClientID) {
			e.markKey(store.KeyOutbox)
		}

	case wire.TypePresenceUpdate:
		var p wire.PresencePayload
		if err := f.Into(&p); err != nil {
			e.logger.Warn("bad frame", zap.Error(err))
			return
		}
		seen := p.LastSeenAt
		if seen.IsZero() {
			seen = e.now()
		}
		e.rec.ApplyPresence(model.Presence{UserID: p.UserID, Status: p.Status, LastSeenAt: seen})

	case wire.TypeTyping:
		var p wire.TypingPayload
		if err := f.Into(&p); err != nil {
			e.logger.Warn("bad frame", zap.Error(err))
			return
		}
		if p.UserID == e.state.self {
			return
		}
		e.rec.ApplyTyping(model.Typing{ConversationID: p.ConversationID, UserID: p.UserID, Typing: p.Typing})
	}
}

// applyInbound merges a server message, treating an echo of one of our
// queued messages as its acknowledgment.
func (e *Engine) applyInbound(m model.Message) {
	e.mergeInbound(m)
	e.advanceCursor(m.ServerTimestamp)
}

// mergeInbound is applyInbound without moving the sync cursor. A single
// conversation's history says nothing about the others.
func (e *Engine) mergeInbound(m model.Message) {
	serverID := m.ServerID
	if serverID == "" {
		serverID = m.ID
	}
	if m.ClientID != "" && e.outbox.Ack(m.ClientID, serverID, m.ServerTimestamp) {
		e.markKey(store.KeyOutbox)
	}
	e.rec.ApplyInboundMessage(m)
}

func (e *Engine) advanceCursor(ts time.Time) {
	if ts.After(e.cursor) {
		e.cursor = ts
		e.markKey(store.KeyCursor)
	}
}

// backfill fetches history since the cursor off-queue; each page re-enters
// the queue and goes through the reconciler.
func (e *Engine) backfill() {
	if e.backend == nil || e.session.Token == "" {
		return
	}
	sess := e.session
	e.fetchHistory(e.cursor, e.applyInbound, func(ctx context.Context, since time.Time, limit int) ([]model.Message, error) {
		return e.backend.History(ctx, sess, since, limit)
	})
}

// SyncConversation fetches the history of one conversation newer than its
// latest known message. New messages arrive as conversation events.
func (e *Engine) SyncConversation(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return invalid("conversation_id", "must not be empty")
	}
	if _, err := e.currentSession(); err != nil {
		return err
	}
	if e.backend == nil {
		return invalid("backend", "not configured")
	}
	e.submit(func() {
		if e.session.Token == "" {
			return
		}
		sess := e.session
		e.fetchHistory(e.state.latest(conversationID), e.mergeInbound, func(ctx context.Context, since time.Time, limit int) ([]model.Message, error) {
			return e.backend.ConversationHistory(ctx, sess, conversationID, since, limit)
		})
	})
	return nil
}

type historyPage func(ctx context.Context, since time.Time, limit int) ([]model.Message, error)

// fetchHistory pages through fetch off-queue, starting after since.
func (e *Engine) fetchHistory(since time.Time, apply func(model.Message), fetch historyPage) {
	ctx := e.netContext()
	limit, pages := e.cfg.HistoryLimit, e.cfg.HistoryPages

	go func() {
		for range pages {
			msgs, err := fetch(ctx, since, limit)
			if err != nil {
				e.submit(func() { e.backfillFailed(err) })
				return
			}
			if len(msgs) == 0 {
				return
			}
			e.submit(func() {
				for _, m := range msgs {
					apply(m)
				}
				e.logger.Debug("history page applied", zap.Int("messages", len(msgs)))
			})
			next := since
			for _, m := range msgs {
				if m.ServerTimestamp.After(next) {
					next = m.ServerTimestamp
				}
			}
			if len(msgs) < limit || !next.After(since) {
				return
			}
			since = next
		}
	}()
}

func (e *Engine) backfillFailed(err error) {
	var authErr *model.AuthError
	switch {
	case errors.As(err, &authErr):
		e.invalidate(err)
	case errors.Is(err, context.Canceled):
		e.logger.Debug("history backfill cancelled")
	default:
		e.logger.Warn("history backfill failed", zap.Error(err))
		e.addEvent(bus.TopicTransport, KindBackfillFailed, err.Error())
	}
}
