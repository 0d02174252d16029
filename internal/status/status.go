// Package status stores the bridge lifecycle snapshot in Redis so operators can
// see which instance holds the upstream session.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Snapshot is the latest observed state of one bridge instance.
type Snapshot struct {
	Instance        string
	Upstream        string
	State           string
	SessionID       string
	LastError       string
	ConnectAttempts int
	UpdatedAt       time.Time
}

// Store persists snapshots.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Close() error
}

// Nop discards snapshots; used when no Redis address is configured.
type Nop struct{}

func (Nop) Save(context.Context, Snapshot) error { return nil }
func (Nop) Close() error                         { return nil }

// Key returns the Redis hash key for an instance.
func Key(instance string) string {
	return "weather:bridge:status:" + instance
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisStore writes each snapshot to a hash and refreshes its TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewRedisStore dials Redis and verifies connectivity with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Infow("redis status store ready", "addr", cfg.Addr, "db", cfg.DB, "ttl", cfg.TTL)
	return NewRedisStoreWithClient(client, cfg.TTL, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Save writes s with HSET and refreshes the key TTL.
func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	key := Key(s.Instance)
	if err := r.client.HSet(ctx, key,
		"instance", s.Instance,
		"upstream", s.Upstream,
		"state", s.State,
		"session_id", s.SessionID,
		"last_error", s.LastError,
		"connect_attempts", strconv.Itoa(s.ConnectAttempts),
		"updated_at", s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		r.logger.Warnw("redis HSET failed", "key", key, "err", err)
		return fmt.Errorf("status write failed key=%s: %w", key, err)
	}

	if r.ttl > 0 {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			r.logger.Warnw("redis EXPIRE failed", "key", key, "ttl", r.ttl, "err", err)
			return fmt.Errorf("status ttl refresh failed key=%s: %w", key, err)
		}
	}
	return nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
