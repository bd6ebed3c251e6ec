// Package ratelimit enforces per-tenant token budgets on top of github.com/vnmchuo/ratelimiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const (
	keyPrefix = "llm-router:tenant:"
	Window    = time.Minute
)

// Limiter charges estimated tokens against a tenant's per-minute budget. A nil *Limiter
// allows everything, which is how the server runs without Redis.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(Window),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter store.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(tenantID string) string {
	return keyPrefix + tenantID
}

// Allow charges tokens to the tenant. Requests without a tenant are never limited.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if l == nil || tenantID == "" {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit check for tenant %s: %w", tenantID, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, key(tenantID))
}
