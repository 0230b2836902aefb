package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the local key-value store contract. Implementations wrap failures
// in *model.StorageError.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Well-known keys.
const (
	KeySession       = "session"
	KeyOutbox        = "outbox"
	KeyConversations = "conversations"
	KeyCursor        = "sync.cursor"
)

// ConversationKey returns the key holding a conversation and its messages.
func ConversationKey(id string) string {
	return "conversation:" + id
}

// GetJSON decodes the value under key into v. It reports false when the key
// is absent.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return kv.Set(ctx, key, raw)
}

func storageErr(op, key string, err error) error {
	return &model.StorageError{Op: op, Key: key, Err: err}
}
