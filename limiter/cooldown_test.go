package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/gate/store"
)

func TestCooldown_SingleAcquire(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
		"redis":  newRedisTestStore,
	} {
		t.Run(name, func(t *testing.T) {
			c := NewCooldown(newStore(t))
			ctx := context.Background()

			results := make([]CooldownResult, 2)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := c.Check(ctx, "email:a@b.c", 30*time.Second)
					assert.NoError(t, err)
					results[i] = res
				}(i)
			}
			wg.Wait()

			winners := 0
			for _, res := range results {
				if res.Allowed {
					winners++
					assert.Equal(t, time.Duration(0), res.RetryAfter)
					continue
				}
				assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
				assert.LessOrEqual(t, res.RetryAfter, 30*time.Second)
			}
			assert.Equal(t, 1, winners)
		})
	}
}

func TestCooldown_ExpiresAndReacquires(t *testing.T) {
	clock := newClock(0)
	c := NewCooldown(store.NewMemoryStore(store.WithClock(clock)))
	ctx := context.Background()

	res, err := c.Check(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clock.Advance(29500 * time.Millisecond)
	res, err = c.Check(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter, "retry is rounded up and never below one second")

	clock.Advance(time.Second)
	res, err = c.Check(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
