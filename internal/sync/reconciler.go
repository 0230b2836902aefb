package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
)

// Reconciler merges server events into local state. Every Apply method is
// idempotent: replaying an event leaves state unchanged. It also serves as
// the outbox ledger.
type Reconciler struct {
	state   *State
	tracker *presence.Tracker
	logger  *zap.Logger

	// presenceDirty and typingDirty collect ephemeral topics touched this pass.
	presenceDirty map[string]bool
	typingDirty   map[string]bool

	// early holds status updates for messages not seen yet, by message id.
	early map[string]model.Status
}

// maxEarly bounds the updates kept for unknown messages.
const maxEarly = 1024

// NewReconciler creates a new reconciler.
func NewReconciler(state *State, tracker *presence.Tracker, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		state:         state,
		tracker:       tracker,
		logger:        logger,
		presenceDirty: make(map[string]bool),
		typingDirty:   make(map[string]bool),
		early:         make(map[string]model.Status),
	}
}

// ApplyInboundMessage inserts m or merges it into the message it duplicates,
// matched by server id and then by client id. Only server id, server
// timestamp and a forward status are merged; text never changes. Tombstoned
// messages ignore replays.
func (r *Reconciler) ApplyInboundMessage(m model.Message) bool {
	if m.ServerID == "" {
		m.ServerID = m.ID
	}
	if m.ServerID == "" || m.ConversationID == "" {
		r.logger.Warn("dropping inbound message without ids", zap.String("client_id", m.ClientID))
		return false
	}
	if m.Status == "" {
		m.Status = model.StatusSent
	}

	_, existing, ok := r.state.find(m.ServerID)
	if !ok && m.ClientID != "" {
		_, existing, ok = r.state.find(m.ClientID)
	}
	if !ok {
		m.ID = m.ServerID
		m.Deleted = false
		if st, found := r.takeEarly(m.ServerID); found && m.Status.Advances(st) {
			m.Status = st
		}
		r.state.insert(m)
		return true
	}
	if existing.Deleted {
		r.logger.Debug("ignoring replay of deleted message", zap.String("server_id", m.ServerID))
		return false
	}
	return r.merge(existing, m.ServerID, m.ServerTimestamp, m.Status)
}

// ApplyAck correlates a server acknowledgment to the optimistic message
// created under clientID.
func (r *Reconciler) ApplyAck(clientID, serverID string, ts time.Time) bool {
	_, m, ok := r.state.find(clientID)
	if !ok {
		r.logger.Debug("ack for unknown message", zap.String("client_id", clientID))
		return false
	}
	return r.merge(m, serverID, ts, model.StatusSent)
}

// merge folds server identity and status into m. If the server id already
// belongs to another local record, that record is absorbed into m.
func (r *Reconciler) merge(m *model.Message, serverID string, ts time.Time, status model.Status) bool {
	c := r.state.convs[m.ConversationID]
	changed := false

	if serverID != "" && m.ServerID != serverID {
		if oc, other, ok := r.state.find(serverID); ok && other != m {
			status = maxStatus(status, other.Status)
			if ts.IsZero() {
				ts = other.ServerTimestamp
			}
			r.state.drop(oc, localKey(other))
		}
		m.ServerID = serverID
		m.ID = serverID
		r.state.index(c.ID, localKey(m), m)
		changed = true
	}
	if m.ServerTimestamp.IsZero() && !ts.IsZero() {
		m.ServerTimestamp = ts
		changed = true
	}
	if status != "" && m.Status.Advances(status) {
		m.Status = status
		changed = true
	}
	if st, found := r.takeEarly(m.ServerID); found && m.Status.Advances(st) {
		m.Status = st
		changed = true
	}
	if changed {
		r.state.touch(c)
	}
	return changed
}

// maxStatus returns the further along of a and b, ignoring failed.
func maxStatus(a, b model.Status) model.Status {
	if b != model.StatusFailed && a.Advances(b) {
		return b
	}
	return a
}

// ApplyStatusUpdate moves a message forward to status. Backward moves and
// changes to terminal messages are rejected.
func (r *Reconciler) ApplyStatusUpdate(messageID string, status model.Status) bool {
	c, m, ok := r.state.find(messageID)
	if !ok {
		r.holdEarly(messageID, status)
		return false
	}
	if m.Deleted {
		return false
	}
	if !m.Status.Advances(status) {
		if m.Status != status {
			r.logger.Info("rejected status regression",
				zap.String("message_id", messageID),
				zap.String("from", string(m.Status)),
				zap.String("to", string(status)),
			)
		}
		return false
	}
	m.Status = status
	r.state.touch(c)
	return true
}

// holdEarly keeps an update that arrived before its message. Of several
// early updates the furthest one wins.
func (r *Reconciler) holdEarly(messageID string, status model.Status) {
	if messageID == "" || !status.Valid() {
		return
	}
	prev, seen := r.early[messageID]
	if seen {
		if prev.Advances(status) {
			r.early[messageID] = status
		}
		return
	}
	if len(r.early) >= maxEarly {
		r.logger.Warn("dropping status update for unknown message", zap.String("message_id", messageID))
		return
	}
	r.logger.Debug("holding status update for unknown message", zap.String("message_id", messageID))
	r.early[messageID] = status
}

func (r *Reconciler) takeEarly(serverID string) (model.Status, bool) {
	if serverID == "" {
		return "", false
	}
	st, ok := r.early[serverID]
	if ok {
		delete(r.early, serverID)
	}
	return st, ok
}

// reset forgets held updates.
func (r *Reconciler) reset() {
	r.early = make(map[string]model.Status)
}

// ApplyDelete tombstones a message.
func (r *Reconciler) ApplyDelete(messageID string) bool {
	c, m, ok := r.state.find(messageID)
	if !ok || m.Deleted {
		return false
	}
	m.Deleted = true
	r.state.touch(c)
	return true
}

// ApplyPresence records the latest presence for a user.
func (r *Reconciler) ApplyPresence(p model.Presence) bool {
	if !p.Status.Valid() {
		r.logger.Warn("ignoring invalid presence", zap.String("user_id", p.UserID), zap.String("status", string(p.Status)))
		return false
	}
	if old, ok := r.tracker.Presence(p.UserID); ok && old == p {
		return false
	}
	r.tracker.SetPresence(p)
	r.presenceDirty[p.UserID] = true
	return true
}

// ApplyTyping refreshes or clears a typing indicator.
func (r *Reconciler) ApplyTyping(t model.Typing) bool {
	if !r.tracker.SetTyping(t) {
		return false
	}
	r.typingDirty[t.ConversationID] = true
	return true
}

// takeEphemeral returns and resets the presence users and typing
// conversations changed this pass.
func (r *Reconciler) takeEphemeral() (users, convs []string) {
	for id := range r.presenceDirty {
		users = append(users, id)
	}
	for id := range r.typingDirty {
		convs = append(convs, id)
	}
	r.presenceDirty = make(map[string]bool)
	r.typingDirty = make(map[string]bool)
	return users, convs
}

// InsertPending records an optimistic message authored locally.
func (r *Reconciler) InsertPending(m model.Message) {
	r.state.insert(m)
}

// MarkSent implements outbox.Ledger.
func (r *Reconciler) MarkSent(clientID, serverID string, ts time.Time) {
	r.ApplyAck(clientID, serverID, ts)
}

// MarkFailed implements outbox.Ledger.
func (r *Reconciler) MarkFailed(clientID string, cause error) {
	if r.ApplyStatusUpdate(clientID, model.StatusFailed) {
		r.logger.Warn("message marked failed", zap.String("client_id", clientID), zap.Error(cause))
	}
}

// Tombstone implements outbox.Ledger.
func (r *Reconciler) Tombstone(id string) {
	r.ApplyDelete(id)
}

// Lookup implements outbox.Ledger.
func (r *Reconciler) Lookup(id string) (model.Message, bool) {
	_, m, ok := r.state.find(id)
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}
