// Package store provides the shared counter backend used by the admission engine.
// A Redis-backed implementation serves multi-instance deployments and an
// in-process implementation serves single-instance and test deployments; both
// honour the same atomicity contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable is matched (via errors.Is) by every error a Store returns
// when the backend cannot be reached, errors out, or does not answer in time.
var ErrStoreUnavailable = errors.New("store: backend unavailable")

// ErrWrongType reports an operation against a key holding the other kind of
// value, mirroring the WRONGTYPE reply of Redis.
var ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")

// UnavailableError describes a failed store operation.
type UnavailableError struct {
	Op  string // store operation, e.g. "increment"
	Key string // logical key, without the backend prefix
	Err error  // underlying cause
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrStoreUnavailable and the underlying cause.
func (e *UnavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// Store defines the primitives the limiters and escalation ledgers are built on.
// Every method must be atomic with respect to its key.
type Store interface {
	// Increment atomically increments the counter at key and returns the new value.
	// The expiry is set to ttl exactly once, when the counter is created (new value == 1).
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetIfAbsent creates key with the given ttl unless it already exists.
	// It returns true only for the caller that created the record.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// RemainingTTL returns the time left before key expires, or 0 when the key
	// does not exist or has no expiry.
	RemainingTTL(ctx context.Context, key string) (time.Duration, error)

	// AddToSortedSet adds member with score, refreshing the score of an existing member.
	AddToSortedSet(ctx context.Context, key, member string, score float64) error

	// RemoveScoreRange removes members whose score lies in [min, max].
	RemoveScoreRange(ctx context.Context, key string, min, max float64) error

	// Cardinality returns the number of members in the sorted set at key.
	Cardinality(ctx context.Context, key string) (int64, error)

	// Expire sets (or refreshes) the expiry of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the string value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithExpiry stores value at key, replacing any previous value and expiry.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfLonger stores value at key with ttl unless the key already exists and
	// expires no sooner than ttl from now (or never). It reports whether it wrote.
	SetIfLonger(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes keys. Only needed for resets and deterministic tests.
	Delete(ctx context.Context, keys ...string) error
}
