package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/tracing"
)

// deleteIfTokenScript removes a lock only when its stored token matches.
// KEYS[1] = lock key
// ARGV[1] = token
var deleteIfTokenScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 0
end
local ok, rec = pcall(cjson.decode, raw)
if not ok or rec["token"] ~= ARGV[1] then
    return 0
end
return redis.call("DEL", KEYS[1])
`)

// extendIfTokenScript adds time to a leased lock when its stored token matches.
// KEYS[1] = lock key
// ARGV[1] = token
// ARGV[2] = extra milliseconds
var extendIfTokenScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
    return 0
end
local ok, rec = pcall(cjson.decode, raw)
if not ok or rec["token"] ~= ARGV[1] then
    return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    return 0
end
return redis.call("PEXPIRE", KEYS[1], ttl + tonumber(ARGV[2]))
`)

// StoreObserver records the latency and outcome of store round trips
type StoreObserver interface {
	RecordStoreOperation(store, operation string, success bool, duration time.Duration)
}

// Config holds Redis connection settings
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"-"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// DefaultConfig returns local defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// NewClient creates a go-redis client from cfg
func NewClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// LockStore implements lock.Store on Redis. Token-checked deletes and
// extensions run as Lua scripts so that compare and mutate are one step.
type LockStore struct {
	client   redis.UniversalClient
	tracer   trace.Tracer
	logger   *logging.Logger
	observer StoreObserver
}

// NewLockStore creates a LockStore over an existing client
func NewLockStore(client redis.UniversalClient, logger *logging.Logger, observer StoreObserver) *LockStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LockStore{
		client:   client,
		tracer:   otel.Tracer("occupation-service/redis"),
		logger:   logger.WithComponent("redis-lock-store"),
		observer: observer,
	}
}

var _ lock.Store = (*LockStore)(nil)

// begin opens a span for one store call. The returned func ends it and
// reports the outcome.
func (s *LockStore) begin(ctx context.Context, operation, key string) (context.Context, func(error)) {
	ctx, span := tracing.StartTimedSpan(ctx, s.tracer, "redis."+operation, tracing.LockSpanAttributes("redis", operation, key)...)
	return ctx, func(err error) {
		if errors.Is(err, lock.ErrKeyNotFound) {
			err = nil
		}
		d := span.EndWithError(err)
		if s.observer != nil {
			s.observer.RecordStoreOperation("redis", operation, err == nil, d)
		}
		s.logger.StoreCall(ctx, "redis", operation, d, err)
	}
}

// SetIfAbsent implements lock.Store.
func (s *LockStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (created bool, err error) {
	ctx, done := s.begin(ctx, "setnx", key)
	defer func() { done(err) }()

	// A zero expiration creates the key without a TTL.
	created, err = s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return created, nil
}

// Get implements lock.Store.
func (s *LockStore) Get(ctx context.Context, key string) (value string, err error) {
	ctx, done := s.begin(ctx, "get", key)
	defer func() { done(err) }()

	value, err = s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", lock.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// DeleteIfTokenMatches implements lock.Store.
func (s *LockStore) DeleteIfTokenMatches(ctx context.Context, key, token string) (deleted bool, err error) {
	ctx, done := s.begin(ctx, "delete_if_token", key)
	defer func() { done(err) }()

	n, err := deleteIfTokenScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis delete-if-token %s: %w", key, err)
	}
	return n == 1, nil
}

// ExtendIfTokenMatches implements lock.Store.
func (s *LockStore) ExtendIfTokenMatches(ctx context.Context, key, token string, extra time.Duration) (extended bool, err error) {
	ctx, done := s.begin(ctx, "extend_if_token", key)
	defer func() { done(err) }()

	n, err := extendIfTokenScript.Run(ctx, s.client, []string{key}, token, extra.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend-if-token %s: %w", key, err)
	}
	return n == 1, nil
}

// Persist implements lock.Store.
func (s *LockStore) Persist(ctx context.Context, key string) (persisted bool, err error) {
	ctx, done := s.begin(ctx, "persist", key)
	defer func() { done(err) }()

	persisted, err = s.client.Persist(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis persist %s: %w", key, err)
	}
	if persisted {
		return true, nil
	}
	// PERSIST also answers 0 for a key that already has no expiry.
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n == 1, nil
}

// TTL implements lock.Store.
func (s *LockStore) TTL(ctx context.Context, key string) (ttl time.Duration, err error) {
	ctx, done := s.begin(ctx, "pttl", key)
	defer func() { done(err) }()

	ttl, err = s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	return ttl, nil
}

// maxScanRounds caps the SCAN round trips of one Scan call. Lock keys may be
// sparse in a shared keyspace, so a call can return fewer than count keys.
const maxScanRounds = 3

// Scan implements lock.Store. It follows at most maxScanRounds cursors and
// stops early once count keys are collected or the keyspace is exhausted.
func (s *LockStore) Scan(ctx context.Context, match string, count int64) (keys []string, err error) {
	ctx, done := s.begin(ctx, "scan", match)
	defer func() { done(err) }()

	var cursor uint64
	for round := 0; round < maxScanRounds; round++ {
		var batch []string
		batch, cursor, err = s.client.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if int64(len(keys)) >= count {
			return keys[:count], nil
		}
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// HealthCheck pings the server
func (s *LockStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
