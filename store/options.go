package store

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Default values
const (
	DefaultKeyPrefix = "gate"
	DefaultOpTimeout = 250 * time.Millisecond
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every key (default: "gate").
// An empty prefix disables namespacing.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithOpTimeout bounds every Redis round trip. A call that does not complete in
// time is reported as ErrStoreUnavailable.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.opTimeout = d
		} else {
			log.Warn().Dur("invalid_timeout", d).Msg("ignoring non-positive store op timeout option")
		}
	}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock used for expiry. Tests pass a fake clock.
func WithClock(c clockwork.Clock) MemoryOption {
	return func(s *MemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}
