package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StateRecord is one durable key-value entry.
type StateRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Tags      []string        `json:"tags,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateStore persists worker/backend state across restarts. All calls may
// fail; callers log and continue with in-memory state rather than crash.
type StateStore interface {
	Put(ctx context.Context, key string, value json.RawMessage, tags []string) error
	Get(ctx context.Context, key string) (*StateRecord, error)
	Query(ctx context.Context, tag string) ([]StateRecord, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
