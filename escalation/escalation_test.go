package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/toolink/gate/identity"
	"github.com/toolink/gate/store"
)

var epoch = time.Unix(1704110400, 0).UTC()

type countingRecorder struct {
	reasons []string
}

func (r *countingRecorder) Escalated(reason string) {
	r.reasons = append(r.reasons, reason)
}

type backend struct {
	store store.Store
	// advance moves the fake clock and, for redis, the server's TTL clock.
	advance func(d time.Duration)
}

var backendNames = []string{"memory", "redis"}

func newBackend(t *testing.T, name string, clock *clockwork.FakeClock) backend {
	t.Helper()
	if name == "memory" {
		return backend{
			store:   store.NewMemoryStore(store.WithClock(clock)),
			advance: clock.Advance,
		}
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return backend{
		store: store.NewRedisStore(client, store.WithOpTimeout(2*time.Second)),
		advance: func(d time.Duration) {
			clock.Advance(d)
			mr.FastForward(d)
		},
	}
}

func TestScanDetector_PenalizesOnThreshold(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			rec := &countingRecorder{}

			ledger := NewPenaltyLedger(b.store, WithClock(clock))
			detector := NewScanDetector(b.store, ledger, WithClock(clock), WithRecorder(rec))

			const threshold = 3
			window := 600 * time.Second

			n, err := detector.RecordAndCheck(ctx, "u1", "post", "a", window, threshold)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = detector.RecordAndCheck(ctx, "u1", "post", "b", window, threshold)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			penalized, err := ledger.IsPenalized(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, penalized)

			n, err = detector.RecordAndCheck(ctx, "u1", "post", "c", window, threshold)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			penalized, err = ledger.IsPenalized(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, penalized)
			assert.Equal(t, []string{"scan_threshold"}, rec.reasons)

			// other identities are unaffected
			penalized, err = ledger.IsPenalized(ctx, "u2")
			require.NoError(t, err)
			assert.False(t, penalized)

			b.advance(DefaultPenaltyDuration - time.Second)
			penalized, err = ledger.IsPenalized(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, penalized)

			b.advance(2 * time.Second)
			penalized, err = ledger.IsPenalized(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, penalized)
		})
	}
}

func TestScanDetector_RetouchDoesNotDoubleCount(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			detector := NewScanDetector(b.store, nil, WithClock(clock))

			for i := 0; i < 5; i++ {
				n, err := detector.RecordAndCheck(ctx, "u1", "post", "same", time.Minute, 0)
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
				b.advance(time.Second)
			}
		})
	}
}

func TestScanDetector_PrunesOutsideWindow(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			detector := NewScanDetector(b.store, nil, WithClock(clock))
			window := 600 * time.Second

			for _, m := range []string{"a", "b", "c"} {
				_, err := detector.RecordAndCheck(ctx, "u1", "post", m, window, 0)
				require.NoError(t, err)
			}

			b.advance(601 * time.Second)

			n, err := detector.RecordAndCheck(ctx, "u1", "post", "d", window, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestScanDetector_KindsAreSeparate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := store.NewMemoryStore(store.WithClock(clock))
	detector := NewScanDetector(s, nil, WithClock(clock))
	ctx := context.Background()

	_, err := detector.RecordAndCheck(ctx, "u1", "post", "1", time.Minute, 0)
	require.NoError(t, err)
	n, err := detector.RecordAndCheck(ctx, "u1", "profile", "1", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanDetector_StoreDown(t *testing.T) {
	s := store.NewMemoryStore()
	detector := NewScanDetector(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.RecordAndCheck(ctx, "u1", "post", "a", time.Minute, 1)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestPenaltyLedger_ExpiresAndNeverShortens(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			ledger := NewPenaltyLedger(b.store, WithClock(clock))

			require.NoError(t, ledger.Penalize(ctx, "1.2.3.4", 30*time.Minute))
			require.NoError(t, ledger.Penalize(ctx, "1.2.3.4", time.Minute))

			until, ok, err := ledger.Until(ctx, "1.2.3.4")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, epoch.Add(30*time.Minute), until)

			b.advance(10 * time.Minute)
			penalized, err := ledger.IsPenalized(ctx, "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, penalized)

			b.advance(20*time.Minute + time.Second)
			penalized, err = ledger.IsPenalized(ctx, "1.2.3.4")
			require.NoError(t, err)
			assert.False(t, penalized)
		})
	}
}

func TestPenaltyLedger_ConcurrentPenaltiesKeepLongest(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			ledger := NewPenaltyLedger(b.store, WithClock(clock))
			flags := NewCaptchaFlags(b.store)

			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 40; i++ {
				d := time.Minute
				if i%2 == 0 {
					d = 2 * time.Hour
				}
				g.Go(func() error { return ledger.Penalize(gctx, "10.0.0.9", d) })
				g.Go(func() error { return flags.Mark(gctx, identity.DimensionIP, "10.0.0.9", d) })
			}
			require.NoError(t, g.Wait())

			until, ok, err := ledger.Until(ctx, "10.0.0.9")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, epoch.Add(2*time.Hour), until)

			for _, key := range []string{penaltyKey("10.0.0.9"), captchaKey(identity.DimensionIP, "10.0.0.9")} {
				ttl, err := b.store.RemainingTTL(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, 2*time.Hour, ttl, key)
			}
		})
	}
}

func TestPenaltyLedger_ExtendsAndClears(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ledger := NewPenaltyLedger(store.NewMemoryStore(store.WithClock(clock)), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, ledger.Penalize(ctx, "u1", time.Minute))
	require.NoError(t, ledger.Penalize(ctx, "u1", time.Hour))

	until, ok, err := ledger.Until(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), until)

	require.NoError(t, ledger.Clear(ctx, "u1"))
	penalized, err := ledger.IsPenalized(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, penalized)

	assert.Error(t, ledger.Penalize(ctx, "u1", 0))
}

func TestCaptchaFlags_MarkAndExpire(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			b := newBackend(t, name, clock)
			ctx := context.Background()
			flags := NewCaptchaFlags(b.store)

			required, err := flags.IsRequired(ctx, identity.DimensionEmail, "a@x.io")
			require.NoError(t, err)
			assert.False(t, required)

			require.NoError(t, flags.Mark(ctx, identity.DimensionEmail, "a@x.io", 5*time.Minute))

			required, err = flags.IsRequired(ctx, identity.DimensionEmail, "a@x.io")
			require.NoError(t, err)
			assert.True(t, required)

			// dimensions are independent
			required, err = flags.IsRequired(ctx, identity.DimensionIP, "a@x.io")
			require.NoError(t, err)
			assert.False(t, required)

			b.advance(5*time.Minute + time.Second)
			required, err = flags.IsRequired(ctx, identity.DimensionEmail, "a@x.io")
			require.NoError(t, err)
			assert.False(t, required)
		})
	}
}

func TestCaptchaFlags_NeverShortens(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := store.NewMemoryStore(store.WithClock(clock))
	flags := NewCaptchaFlags(s)
	ctx := context.Background()

	require.NoError(t, flags.Mark(ctx, identity.DimensionIP, "1.2.3.4", 10*time.Minute))
	require.NoError(t, flags.Mark(ctx, identity.DimensionIP, "1.2.3.4", time.Minute))

	ttl, err := s.RemainingTTL(ctx, captchaKey(identity.DimensionIP, "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	require.NoError(t, flags.Mark(ctx, identity.DimensionIP, "1.2.3.4", time.Hour))
	ttl, err = s.RemainingTTL(ctx, captchaKey(identity.DimensionIP, "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	require.NoError(t, flags.Clear(ctx, identity.DimensionIP, "1.2.3.4"))
	required, err := flags.IsRequired(ctx, identity.DimensionIP, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestCaptchaFlags_EmptyIdentity(t *testing.T) {
	flags := NewCaptchaFlags(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, flags.Mark(ctx, identity.DimensionAccount, "", time.Minute))
	required, err := flags.IsRequired(ctx, identity.DimensionAccount, "")
	require.NoError(t, err)
	assert.False(t, required)
}
