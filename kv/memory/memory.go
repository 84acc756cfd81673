// Package memory provides a fully in-memory kv.Store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/taxfold/jobqueue/kv"
)

// Compile-time interface check.
var _ kv.Store = (*Store)(nil)

// Store is an in-memory implementation of kv.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns a new empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns the value stored under key, or kv.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}

	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Put stores value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
	return nil
}

// Delete removes key. Absent keys are a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// List returns entries under prefix in ascending key order.
func (s *Store) List(_ context.Context, prefix string) ([]kv.Entry, error) {
	s.mu.RLock()
	entries := make([]kv.Entry, 0)
	for k, v := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		entries = append(entries, kv.Entry{Key: k, Value: cp})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
