// Package store defines the durable key-value capability the client layer
// persists through.
//
// Implementations:
//   - memory: process-local map, used by tests and ephemeral runs
//   - file: one JSON document on local disk
//   - postgres: a single key/value table reached through pgxpool
//
// Values are opaque bytes. Each key has exactly one owner (the offline queue
// owns its key, the credential manager owns its key); nothing writes to a
// key it does not own.
package store

import "context"

// Store is a durable key-value primitive that survives process restarts.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
