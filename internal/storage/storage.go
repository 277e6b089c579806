// Package storage provides the string-keyed store backing all shared
// gateway state: subscriptions, client sessions, usage records and the
// named index lists that tie them together.
//
// The contract guarantees single-operation consistency only. There are no
// cross-operation transactions; callers must read defensively and treat
// any value as possibly evicted.
package storage

import (
	"context"
	"encoding/json"
)

// Store is the key/value port. Values are JSON-encoded by implementations;
// Get unmarshals into dest and reports whether the key existed.
type Store interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	GetBatch(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	SetBatch(ctx context.Context, values map[string]any) error

	// Index operations have set semantics: order unspecified, duplicates
	// collapsed, removal idempotent.
	AddToIndex(ctx context.Context, indexKey, value string) error
	RemoveFromIndex(ctx context.Context, indexKey, value string) error
	GetIndex(ctx context.Context, indexKey string) ([]string, error)

	Close() error
}

// Key layout shared by every component that touches the store.
const (
	KeySubscriptionPrefix = "subscription:"
	KeySessionPrefix      = "session:"
	KeyUsagePrefix        = "usage:"
	IndexSessionsBySub    = "index:sessions_by_subscription:"
	IndexUsageByDay       = "index:usage_by_day:"
)
