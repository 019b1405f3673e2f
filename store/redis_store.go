package store

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed incr.lua
var incrScriptSource string

var incrScript = redis.NewScript(incrScriptSource)

//go:embed set_if_longer.lua
var setIfLongerScriptSource string

var setIfLongerScript = redis.NewScript(setIfLongerScriptSource)

// RedisStore implements Store on top of Redis. Every operation is a single
// native command or a single Lua script, so atomicity is provided by Redis.
type RedisStore struct {
	client    redis.Cmdable // Cmdable keeps compatibility with ClusterClient, Ring, etc.
	prefix    string
	opTimeout time.Duration
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store from a pre-configured client.
// An unreachable server does not prevent construction: the engine must keep
// serving (fail-open) while the backend is down, so the ping result is only logged.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    DefaultKeyPrefix,
		opTimeout: DefaultOpTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("prefix", s.prefix).Msg("redis store not reachable at startup, operations will fail open until it recovers")
	} else {
		log.Info().Str("prefix", s.prefix).Dur("op_timeout", s.opTimeout).Msg("redis store initialized")
	}
	return s
}

// Ping checks backend connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, s.fail("increment", key, err)
	}
	log.Trace().Str("key", key).Int64("count", n).Msg("redis counter incremented")
	return n, nil
}

// SetIfAbsent implements Store. The record holds a random owner token so that
// concurrent acquirers can be told apart when inspecting the backend.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// SET key token NX PX ttl
	ok, err := s.client.SetNX(ctx, s.key(key), uuid.NewString(), ttl).Result()
	if err != nil {
		return false, s.fail("set_if_absent", key, err)
	}
	return ok, nil
}

// RemainingTTL implements Store.
func (s *RedisStore) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.fail("remaining_ttl", key, err)
	}
	// -2: missing key, -1: no expiry
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// AddToSortedSet implements Store.
func (s *RedisStore) AddToSortedSet(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return s.fail("zadd", key, err)
	}
	return nil
}

// RemoveScoreRange implements Store.
func (s *RedisStore) RemoveScoreRange(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByScore(ctx, s.key(key), formatScore(min), formatScore(max)).Err(); err != nil {
		return s.fail("zremrangebyscore", key, err)
	}
	return nil
}

// Cardinality implements Store.
func (s *RedisStore) Cardinality(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.fail("zcard", key, err)
	}
	return n, nil
}

// Expire implements Store.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.PExpire(ctx, s.key(key), ttl).Err(); err != nil {
		return s.fail("expire", key, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, s.fail("get", key, err)
	}
	return v, true, nil
}

// SetWithExpiry implements Store.
func (s *RedisStore) SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

// SetIfLonger implements Store.
func (s *RedisStore) SetIfLonger(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	n, err := setIfLongerScript.Run(ctx, s.client, []string{s.key(key)}, value, ttlMillis(ttl)).Int64()
	if err != nil {
		return false, s.fail("set_if_longer", key, err)
	}
	return n == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return s.fail("delete", keys[0], err)
	}
	return nil
}

func (s *RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) fail(op, key string, err error) error {
	log.Error().Err(err).Str("op", op).Str("key", key).Msg("redis store operation failed")
	return &UnavailableError{Op: op, Key: key, Err: err}
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}
