package limiter

import (
	"context"
	"time"

	"github.com/toolink/gate/store"
)

// CooldownResult is the outcome of one cooldown check.
type CooldownResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Cooldown enforces a minimum spacing between events for one key. The check
// itself starts the cooldown: acquiring the record and testing for it are the
// same atomic store call.
type Cooldown struct {
	store store.Store
}

// NewCooldown creates a cooldown gate over s.
func NewCooldown(s store.Store) *Cooldown {
	return &Cooldown{store: s}
}

// Check tries to start a cooldown of length window for scopeKey.
func (c *Cooldown) Check(ctx context.Context, scopeKey string, window time.Duration) (CooldownResult, error) {
	acquired, err := c.store.SetIfAbsent(ctx, scopeKey, window)
	if err != nil {
		return CooldownResult{}, err
	}
	if acquired {
		return CooldownResult{Allowed: true}, nil
	}

	ttl, err := c.store.RemainingTTL(ctx, scopeKey)
	if err != nil {
		return CooldownResult{}, err
	}
	return CooldownResult{Allowed: false, RetryAfter: ceilSeconds(ttl)}, nil
}
