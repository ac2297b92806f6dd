// Package store persists tree snapshots as an opaque key-value map and lets
// the engine observe writes from other holders of the same store.
package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// Change describes one committed write.
type Change struct {
	Key      string
	OldValue []byte // nil when the key was absent
	NewValue []byte // nil when the key was deleted
}

// Store is a durable key-value map. Implementations must be safe for
// concurrent use: the engine loop writes while HTTP handlers read.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes the value and notifies watchers.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch delivers committed changes until cancel is called or the store
	// closes. Slow watchers drop changes rather than block writers.
	Watch() (ch <-chan Change, cancel func())
	// Close releases the backend. Watch channels are closed.
	Close() error
}
