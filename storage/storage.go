// Package storage defines the key-value storage abstraction used by the
// OAuth proxy. All server state (clients, codes, tokens, consents) is
// persisted as string values under namespaced keys with per-entry TTLs,
// which allows in-memory, Redis, or other backends to be substituted
// without touching the core logic.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// PutOptions controls how a value is written.
type PutOptions struct {
	// ExpirationTTL is the entry lifetime in whole seconds from the time of
	// the call. Zero means the entry never expires.
	ExpirationTTL int64
}

// ListOptions controls which keys List returns.
type ListOptions struct {
	// Prefix restricts results to keys starting with this string.
	// Empty matches all keys.
	Prefix string
}

// Key describes a single stored key returned by List.
type Key struct {
	Name string
}

// Store is the capability interface every storage backend implements.
//
// Backends enforce TTL expiry themselves: an expired entry must behave as if
// it was deleted, both for Get and for List. No cross-key transactions are
// assumed; callers encode single-use semantics as delete-then-create
// sequences and accept a best-effort race window under concurrent duplicate
// requests.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, replacing any existing entry.
	Put(ctx context.Context, key, value string, opts *PutOptions) error

	// Delete removes the entry under key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns the live (non-expired) keys matching opts.
	List(ctx context.Context, opts *ListOptions) ([]Key, error)
}
