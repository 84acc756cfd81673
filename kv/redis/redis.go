// Package redis implements kv.Store backed by Redis. Values are stored
// as plain string keys under a namespace prefix; prefix scans use SCAN
// with a MATCH pattern and sort client-side, since SCAN returns keys in
// no particular order.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := rediskv.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/taxfold/jobqueue/kv"
)

// Compile-time interface check.
var _ kv.Store = (*Store)(nil)

// namespace prefixes every key to avoid collisions with other users of
// the same Redis database.
const namespace = "taxfold:jobs:"

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// Store implements kv.Store on a Redis client.
type Store struct {
	client goredis.Cmdable
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client goredis.Cmdable) *Store {
	return &Store{client: client}
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value stored under key, or kv.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, namespace+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, fmt.Errorf("jobqueue/redis: get %q: %w", key, err)
	}
	return val, nil
}

// Put stores value under key without expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, namespace+key, value, 0).Err(); err != nil {
		return fmt.Errorf("jobqueue/redis: put %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Absent keys are a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, namespace+key).Err(); err != nil {
		return fmt.Errorf("jobqueue/redis: delete %q: %w", key, err)
	}
	return nil
}

// List returns entries under prefix in ascending key order.
func (s *Store) List(ctx context.Context, prefix string) ([]kv.Entry, error) {
	pattern := namespace + escapeGlob(prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("jobqueue/redis: scan %q: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue/redis: mget: %w", err)
	}

	entries := make([]kv.Entry, 0, len(keys))
	for i, k := range keys {
		// A key may have been deleted between SCAN and MGET.
		if values[i] == nil {
			continue
		}
		str, ok := values[i].(string)
		if !ok {
			continue
		}
		entries = append(entries, kv.Entry{
			Key:   strings.TrimPrefix(k, namespace),
			Value: []byte(str),
		})
	}
	return entries, nil
}

// escapeGlob escapes glob metacharacters so prefix is matched literally.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}
