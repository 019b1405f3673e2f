package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// entry is the state held for one key. Its own mutex is the per-key critical
// section; the store-level lock only guards the map itself.
type entry struct {
	mu       sync.Mutex
	dead     bool // removed from the map; holders of a stale pointer must retry
	live     bool
	value    string
	zset     map[string]float64
	expireAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

func (e *entry) clear() {
	e.live = false
	e.value = ""
	e.zset = nil
	e.expireAt = time.Time{}
}

func (e *entry) setTTL(now time.Time, ttl time.Duration) {
	if ttl > 0 {
		e.expireAt = now.Add(ttl)
	} else {
		e.expireAt = time.Time{}
	}
}

// MemoryStore implements Store using in-process maps. Expiry is emulated lazily
// on access; StartSweeper additionally reclaims keys nobody touches again.
// Construct one per process and pass it by reference; Reset clears it for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	clock   clockwork.Clock
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// acquire returns the locked, non-expired entry for key. When create is false
// and the key is unknown it returns nil. The caller must unlock the entry.
func (s *MemoryStore) acquire(key string, create bool) *entry {
	for {
		s.mu.RLock()
		e := s.entries[key]
		s.mu.RUnlock()

		if e == nil {
			if !create {
				return nil
			}
			s.mu.Lock()
			e = s.entries[key]
			if e == nil {
				e = &entry{}
				s.entries[key] = e
			}
			s.mu.Unlock()
		}

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if e.live && e.expired(s.clock.Now()) {
			e.clear()
		}
		return e
	}
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{Op: "increment", Key: key, Err: err}
	}
	e := s.acquire(key, true)
	defer e.mu.Unlock()

	if e.live && e.zset != nil {
		return 0, &UnavailableError{Op: "increment", Key: key, Err: ErrWrongType}
	}

	var n int64
	if e.live && e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: value at %q is not an integer: %w", key, err)
		}
		n = v
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	if !e.live {
		e.live = true
		e.setTTL(s.clock.Now(), ttl)
	}
	return n, nil
}

// SetIfAbsent implements Store.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &UnavailableError{Op: "set_if_absent", Key: key, Err: err}
	}
	e := s.acquire(key, true)
	defer e.mu.Unlock()

	if e.live {
		return false, nil
	}
	e.live = true
	e.value = "1"
	e.setTTL(s.clock.Now(), ttl)
	return true, nil
}

// RemainingTTL implements Store.
func (s *MemoryStore) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{Op: "remaining_ttl", Key: key, Err: err}
	}
	e := s.acquire(key, false)
	if e == nil {
		return 0, nil
	}
	defer e.mu.Unlock()

	if !e.live || e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(s.clock.Now()), nil
}

// AddToSortedSet implements Store.
func (s *MemoryStore) AddToSortedSet(ctx context.Context, key, member string, score float64) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "zadd", Key: key, Err: err}
	}
	e := s.acquire(key, true)
	defer e.mu.Unlock()

	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	e.live = true
	return nil
}

// RemoveScoreRange implements Store.
func (s *MemoryStore) RemoveScoreRange(ctx context.Context, key string, min, max float64) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "zremrangebyscore", Key: key, Err: err}
	}
	e := s.acquire(key, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
		}
	}
	if e.zset != nil && len(e.zset) == 0 {
		// an empty sorted set does not exist, same as in redis
		e.clear()
	}
	return nil
}

// Cardinality implements Store.
func (s *MemoryStore) Cardinality(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{Op: "zcard", Key: key, Err: err}
	}
	e := s.acquire(key, false)
	if e == nil {
		return 0, nil
	}
	defer e.mu.Unlock()

	if !e.live {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "expire", Key: key, Err: err}
	}
	e := s.acquire(key, false)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()

	if !e.live {
		return nil
	}
	if ttl <= 0 {
		e.clear()
		return nil
	}
	e.setTTL(s.clock.Now(), ttl)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &UnavailableError{Op: "get", Key: key, Err: err}
	}
	e := s.acquire(key, false)
	if e == nil {
		return "", false, nil
	}
	defer e.mu.Unlock()

	if !e.live || e.zset != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

// SetWithExpiry implements Store.
func (s *MemoryStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{Op: "set", Key: key, Err: err}
	}
	e := s.acquire(key, true)
	defer e.mu.Unlock()

	e.clear()
	e.live = true
	e.value = value
	e.setTTL(s.clock.Now(), ttl)
	return nil
}

// SetIfLonger implements Store.
func (s *MemoryStore) SetIfLonger(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &UnavailableError{Op: "set_if_longer", Key: key, Err: err}
	}
	e := s.acquire(key, true)
	defer e.mu.Unlock()

	now := s.clock.Now()
	if e.live && (e.expireAt.IsZero() || e.expireAt.Sub(now) >= ttl) {
		return false, nil
	}
	e.clear()
	e.live = true
	e.value = value
	e.setTTL(now, ttl)
	return true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if e, ok := s.entries[key]; ok {
			e.mu.Lock()
			e.dead = true
			e.mu.Unlock()
			delete(s.entries, key)
		}
	}
	return nil
}

// Sweep removes expired and empty entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if !e.live || e.expired(now) {
			e.dead = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Warn().Dur("interval", interval).Msg("memory store sweeper disabled, non-positive interval")
		return
	}
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		log.Debug().Dur("interval", interval).Msg("memory store sweeper started")
		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("memory store sweeper stopped")
				return
			case <-ticker.Chan():
				if n := s.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("memory store swept expired keys")
				}
			}
		}
	}()
}

// Reset drops every key. Intended for tests.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
	s.entries = make(map[string]*entry)
}

// Len returns the number of keys currently held, including expired keys that
// have not been swept yet.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
