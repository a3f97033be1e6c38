// Package cache provides a redis-backed answer cache for the retrieval
// service. This package is internal and should not be imported by external
// projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned when a key is not present in the cache.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config configures the cache manager.
type Config struct {
	// Redis address
	Addr string `yaml:"addr" json:"addr"`
	// Password
	Password string `yaml:"password" json:"password"`
	// Database number
	DB int `yaml:"db" json:"db"`
	// Default TTL applied to Set calls
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// Manager wraps a go-redis client with JSON convenience methods and
// lifecycle management.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
}

// NewManager creates a cache manager and verifies connectivity.
func NewManager(ctx context.Context, config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", config.Addr, err)
	}

	logger.Info("cache manager connected", zap.String("addr", config.Addr))

	return &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

// GetJSON reads key and unmarshals its value into dest. Returns ErrCacheMiss
// when the key does not exist.
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := m.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal cached value for %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it under key with the default TTL.
func (m *Manager) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	if err := m.redis.Set(ctx, key, data, m.config.DefaultTTL).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys from the cache.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return m.redis.Del(ctx, keys...).Err()
}

// DeletePrefix removes every key starting with prefix. Used to invalidate a
// whole cache namespace when stored results may have gone stale.
func (m *Manager) DeletePrefix(ctx context.Context, prefix string) error {
	iter := m.redis.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	m.logger.Debug("cache namespace invalidated",
		zap.String("prefix", prefix),
		zap.Int("keys", len(keys)))
	return m.redis.Del(ctx, keys...).Err()
}

// Close releases the underlying redis connection.
func (m *Manager) Close() error {
	return m.redis.Close()
}
