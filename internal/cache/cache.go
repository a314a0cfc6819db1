// Package cache provides the short-lived key stores the API needs. Today that
// is only the consumed-nonce set; the same Store backs both a single process
// (memory) and a fleet of replicas (redis).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sakif/user-api/internal/cache/memory"
	"github.com/sakif/user-api/internal/cache/redis"
	"github.com/sakif/user-api/internal/config"
)

// Store is an expiring set with an atomic add.
type Store interface {
	// Claim adds key for ttl. It returns false if key is already present.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*redis.Store)(nil)
)

// New builds the store selected by cfg.Kind. The redis store is pinged once
// so a bad address fails at startup, not on the first login.
func New(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return memory.New(time.Hour), nil
	case "redis":
		s := redis.New(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Prefix)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			s.Close()
			return nil, fmt.Errorf("cache: connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("cache: unknown kind %q", cfg.Kind)
	}
}
