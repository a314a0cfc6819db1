// Package memory is the in-process cache.Store, backed by go-cache.
package memory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Store struct{ c *gocache.Cache }

// New creates a store whose expired entries are swept every minute.
func New(defaultTTL time.Duration) *Store {
	return &Store{c: gocache.New(defaultTTL, time.Minute)}
}

// Claim relies on gocache.Add, which fails when the key already exists and
// has not expired. Add holds the cache lock, so concurrent claims of the same
// key have exactly one winner.
func (s *Store) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.c.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) Close() error {
	s.c.Flush()
	return nil
}
