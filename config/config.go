// Package config loads the process configuration from the environment and
// the rules file, and builds the counter store it selects.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/gate/limiter"
	"github.com/toolink/gate/store"
)

// Default values
const (
	DefaultRulesPath     = "rules.yaml"
	DefaultListen        = ":8080"
	DefaultRedisAddr     = "localhost:6379"
	DefaultSweepInterval = time.Minute
)

// Config is the process configuration.
type Config struct {
	RulesPath  string
	Listen     string
	LogLevel   string
	TrustProxy bool
	Redis      RedisConfig
	Rules      *limiter.Config
}

// RedisConfig holds the connection settings of the remote store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// Load reads .env (when present) and the environment, then loads and
// validates the rules file. rulesPath overrides GATE_CONFIG when set.
// Any error here must stop the process before it serves traffic.
func Load(rulesPath string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	cfg := Config{
		RulesPath: rulesPath,
		Listen:    getEnv("GATE_LISTEN", DefaultListen),
		LogLevel:  getEnv("GATE_LOG_LEVEL", "info"),
	}
	if cfg.RulesPath == "" {
		cfg.RulesPath = getEnv("GATE_CONFIG", DefaultRulesPath)
	}

	var err error
	if cfg.TrustProxy, err = strconv.ParseBool(getEnv("GATE_TRUST_PROXY", "false")); err != nil {
		return Config{}, fmt.Errorf("invalid GATE_TRUST_PROXY: %w", err)
	}
	if cfg.Redis, err = buildRedisConfig(); err != nil {
		return Config{}, err
	}

	rules, err := limiter.ReadConfigFile(cfg.RulesPath)
	if err != nil {
		return Config{}, err
	}
	if storage := strings.TrimSpace(os.Getenv("GATE_STORAGE")); storage != "" {
		log.Info().Str("storage_type", storage).Msg("storage type overridden by environment")
		rules.StorageType = storage
	}
	if err := rules.ValidateAndPrepare(); err != nil {
		return Config{}, err
	}
	cfg.Rules = rules
	return cfg, nil
}

func buildRedisConfig() (RedisConfig, error) {
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	timeoutMs, err := strconv.Atoi(getEnv("REDIS_OP_TIMEOUT_MS", strconv.Itoa(int(store.DefaultOpTimeout/time.Millisecond))))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_OP_TIMEOUT_MS: %w", err)
	}
	if timeoutMs <= 0 {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_OP_TIMEOUT_MS: must be positive, got %d", timeoutMs)
	}

	return RedisConfig{
		Addr:      getEnv("REDIS_ADDR", DefaultRedisAddr),
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		OpTimeout: time.Duration(timeoutMs) * time.Millisecond,
	}, nil
}

// NewStore builds the store selected by the rules file. The returned func
// releases it. A memory store gets a background sweeper bound to ctx.
func NewStore(ctx context.Context, cfg Config) (store.Store, func(), error) {
	switch cfg.Rules.StorageType {
	case limiter.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []store.RedisOption{store.WithOpTimeout(cfg.Redis.OpTimeout)}
		if cfg.Rules.KeyPrefix != "" {
			opts = append(opts, store.WithKeyPrefix(cfg.Rules.KeyPrefix))
		}
		s := store.NewRedisStore(client, opts...)
		return s, func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis client")
			}
		}, nil

	case limiter.StorageMemory:
		ctx, cancel := context.WithCancel(ctx)
		s := store.NewMemoryStore()
		s.StartSweeper(ctx, DefaultSweepInterval)
		return s, cancel, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Rules.StorageType)
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
