// Package kv defines the durable store contract the job subsystem
// persists through. The store is a flat key-value space with atomic
// single-key operations and ordered prefix scans; it is the sole
// authority for persisted state. Each subsystem owns a key prefix
// (job:, queue:, retry:, archive:, cron:, notify:).
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("kv: key not found")

// Entry is a key with its stored value, returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable key-value contract. Implementations must make
// each operation atomic and strongly consistent within a partition.
//
// List returns entries in ascending lexicographic key order; the queue
// index encoding relies on that ordering for claim priority.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, sorted by
	// key ascending.
	List(ctx context.Context, prefix string) ([]Entry, error)
}
