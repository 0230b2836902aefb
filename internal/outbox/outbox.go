// Package outbox holds user-authored messages until the server acknowledges
// them. It is not safe for concurrent use; the sync engine drives it from
// its serialized queue.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/wire"
)

// ErrDuplicate is returned when a client id is already queued.
var ErrDuplicate = errors.New("duplicate client id")

// Ledger is the message state the outbox updates as entries progress.
type Ledger interface {
	InsertPending(m model.Message)
	MarkSent(clientID, serverID string, ts time.Time)
	MarkFailed(clientID string, cause error)
	Tombstone(id string)
	Lookup(id string) (model.Message, bool)
}

// FrameSender delivers frames to the server without blocking.
type FrameSender interface {
	Send(f wire.Frame) error
}

// Config tunes retries.
type Config struct {
	MaxAttempts   int
	AckTimeout    time.Duration
	DrainInterval time.Duration
	Backoff       backoff.Backoff
}

// DefaultConfig returns 5 attempts, a 10s ack timeout and a 500ms drain tick.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		AckTimeout:    10 * time.Second,
		DrainInterval: 500 * time.Millisecond,
		Backoff:       backoff.Default(),
	}
}

// Outbox queues pending messages in creation order.
type Outbox struct {
	cfg    Config
	ledger Ledger
	sender FrameSender
	logger *zap.Logger
	cancel context.CancelFunc

	entries  []*model.OutboxEntry
	byClient map[string]*model.OutboxEntry
}

// New creates an empty outbox.
func New(cfg Config, ledger Ledger, sender FrameSender, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Outbox{
		cfg:      cfg,
		ledger:   ledger,
		sender:   sender,
		logger:   logger,
		byClient: make(map[string]*model.OutboxEntry),
	}
}

// Start calls wake every DrainInterval until Stop or ctx is done.
// wake must only schedule a Drain on the owner's queue.
func (o *Outbox) Start(ctx context.Context, wake func()) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.loop(ctx, wake)
}

// Stop stops the drain ticker.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Outbox) loop(ctx context.Context, wake func()) {
	interval := o.cfg.DrainInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wake()
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue creates a pending message, records it in the ledger and queues it.
func (o *Outbox) Enqueue(clientID, conversationID, senderID, text string, now time.Time) (model.Message, error) {
	if _, ok := o.byClient[clientID]; ok {
		return model.Message{}, fmt.Errorf("enqueue %s: %w", clientID, ErrDuplicate)
	}
	msg := model.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
		Status:         model.StatusPending,
	}
	o.ledger.InsertPending(msg)
	o.push(&model.OutboxEntry{Message: msg, NextRetryAt: now})
	o.logger.Debug("queued message", zap.String("client_id", clientID), zap.String("conversation_id", conversationID))
	return msg, nil
}

func (o *Outbox) push(e *model.OutboxEntry) {
	o.entries = append(o.entries, e)
	o.byClient[e.Message.ClientID] = e
}

// Drain sends the head entry of each conversation when it is due, and
// counts a failed attempt for heads whose ack has timed out. The caller
// only drains while connected.
func (o *Outbox) Drain(now time.Time) {
	for _, e := range o.heads() {
		if !e.InFlightSince.IsZero() {
			if o.cfg.AckTimeout > 0 && now.Sub(e.InFlightSince) >= o.cfg.AckTimeout {
				o.failAttempt(e, now, errors.New("ack timeout"))
			}
			continue
		}
		if e.NextRetryAt.After(now) {
			continue
		}
		o.send(e, now)
	}
}

// heads returns the oldest entry of each conversation.
func (o *Outbox) heads() []*model.OutboxEntry {
	seen := make(map[string]bool)
	var out []*model.OutboxEntry
	for _, e := range o.entries {
		conv := e.Message.ConversationID
		if seen[conv] {
			continue
		}
		seen[conv] = true
		out = append(out, e)
	}
	return out
}

func (o *Outbox) send(e *model.OutboxEntry, now time.Time) {
	f, err := wire.New(wire.TypeMessageSend, e.Message.ClientID, wire.FromMessage(&e.Message))
	if err == nil {
		err = o.sender.Send(f)
	}
	if err != nil {
		o.logger.Warn("send attempt failed", zap.String("client_id", e.Message.ClientID), zap.Int("attempt", e.Attempt+1), zap.Error(err))
		o.failAttempt(e, now, err)
		return
	}
	e.InFlightSince = now
}

func (o *Outbox) failAttempt(e *model.OutboxEntry, now time.Time, cause error) {
	e.Attempt++
	e.InFlightSince = time.Time{}
	if e.Attempt >= o.cfg.MaxAttempts {
		o.remove(e.Message.ClientID)
		o.logger.Error("message failed",
			zap.String("client_id", e.Message.ClientID),
			zap.Int("attempts", e.Attempt),
			zap.Error(cause),
		)
		o.ledger.MarkFailed(e.Message.ClientID, cause)
		return
	}
	e.NextRetryAt = now.Add(o.cfg.Backoff.Delay(e.Attempt))
}

// Ack removes the entry for clientID and marks its message sent. It reports
// false for unknown client ids, which are ignored.
func (o *Outbox) Ack(clientID, serverID string, ts time.Time) bool {
	if !o.has(clientID) {
		return false
	}
	o.remove(clientID)
	o.ledger.MarkSent(clientID, serverID, ts)
	o.logger.Info("message acknowledged", zap.String("client_id", clientID), zap.String("server_id", serverID))
	return true
}

// Reject counts a server rejection of clientID as a failed attempt.
func (o *Outbox) Reject(clientID string, cause error, now time.Time) bool {
	e, ok := o.byClient[clientID]
	if !ok {
		return false
	}
	o.failAttempt(e, now, cause)
	return true
}

// Cancel drops the entry for clientID without failing its message. Used
// when the user deletes a message that was never acknowledged.
func (o *Outbox) Cancel(clientID string) bool {
	if !o.has(clientID) {
		return false
	}
	o.remove(clientID)
	return true
}

// Suspend makes in-flight entries due again without counting an attempt.
// Called when the connection drops.
func (o *Outbox) Suspend() {
	for _, e := range o.entries {
		e.InFlightSince = time.Time{}
	}
}

// Retry queues the text of a failed message as a new message under
// newClientID and tombstones the failed one.
func (o *Outbox) Retry(failedID, newClientID string, now time.Time) (model.Message, error) {
	failed, ok := o.ledger.Lookup(failedID)
	if !ok {
		return model.Message{}, &model.ValidationError{Field: "message_id", Message: "unknown message"}
	}
	if failed.Status != model.StatusFailed || failed.Deleted {
		return model.Message{}, &model.ValidationError{Field: "message_id", Message: "message has not failed"}
	}
	msg, err := o.Enqueue(newClientID, failed.ConversationID, failed.SenderID, failed.Text, now)
	if err != nil {
		return model.Message{}, err
	}
	o.ledger.Tombstone(failedID)
	return msg, nil
}

func (o *Outbox) remove(clientID string) {
	delete(o.byClient, clientID)
	for i, e := range o.entries {
		if e.Message.ClientID == clientID {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// has reports whether clientID is queued.
func (o *Outbox) has(clientID string) bool {
	_, ok := o.byClient[clientID]
	return ok
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	return len(o.entries)
}

// Entries returns a copy of the queue in creation order.
func (o *Outbox) Entries() []model.OutboxEntry {
	out := make([]model.OutboxEntry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// Restore replaces the queue with persisted entries. Nothing is in flight
// after a restore. Duplicate client ids keep the first occurrence.
func (o *Outbox) Restore(entries []model.OutboxEntry) {
	o.entries = nil
	o.byClient = make(map[string]*model.OutboxEntry)
	for _, e := range entries {
		if _, dup := o.byClient[e.Message.ClientID]; dup {
			o.logger.Warn("skipping duplicate persisted entry", zap.String("client_id", e.Message.ClientID))
			continue
		}
		e.InFlightSince = time.Time{}
		o.push(&e)
	}
}
