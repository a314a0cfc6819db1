// Package redis is the shared cache.Store for multi-replica deployments.
package redis

import (
	"context"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

type Store struct {
	c      *rdb.Client
	prefix string
}

func New(addr string, db int, prefix string) *Store {
	return &Store{
		c:      rdb.NewClient(&rdb.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.c.Ping(ctx).Err()
}

// Claim uses SET NX so the first replica to see a key wins.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.c.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claiming %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Close() error { return s.c.Close() }
