package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyValue is the hash-oriented key-value contract the collaboration core
// works against. Every operation is atomic at single-field granularity;
// nothing here provides a multi-field transaction.
type KeyValue interface {
	// HGet reads one hash field. The second return value is false when the
	// key or field does not exist.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	// HSetAll writes all given fields in one command.
	HSetAll(ctx context.Context, key string, fields map[string]string) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error
	// SetTTL sets a plain string key with an expiry.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisKV implements KeyValue on top of a Redis connection.
type RedisKV struct {
	client    *redis.Client
	connected bool
}

// RedisKVConfig holds Redis connection configuration
type RedisKVConfig struct {
	URL        string
	MaxRetries int
}

// DefaultRedisKVConfig returns sensible defaults
func DefaultRedisKVConfig() *RedisKVConfig {
	return &RedisKVConfig{
		MaxRetries: 3,
	}
}

// NewRedisKV creates a new Redis key-value adapter
func NewRedisKV(config *RedisKVConfig) (*RedisKV, error) {
	if config == nil {
		config = DefaultRedisKVConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries

	return &RedisKV{
		client: redis.NewClient(opt),
	}, nil
}

// Connect verifies the Redis connection
func (r *RedisKV) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return NewConnectionError("failed to connect to Redis", err)
	}
	r.connected = true
	return nil
}

// Disconnect closes the Redis connection
func (r *RedisKV) Disconnect(ctx context.Context) error {
	r.connected = false
	return r.client.Close()
}

// IsConnected returns connection status
func (r *RedisKV) IsConnected() bool {
	return r.connected
}

// HealthCheck verifies Redis connectivity
func (r *RedisKV) HealthCheck(ctx context.Context) (bool, error) {
	err := r.client.Ping(ctx).Err()
	return err == nil, err
}

// Client exposes the underlying connection for subsystems that need raw
// Redis commands (the transport stream fan-out).
func (r *RedisKV) Client() *redis.Client {
	return r.client
}

// HGet reads a single hash field
func (r *RedisKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, NewQueryError("failed to read hash field", err)
	}
	return val, true, nil
}

// HSet writes a single hash field
func (r *RedisKV) HSet(ctx context.Context, key, field, value string) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return NewQueryError("failed to write hash field", err)
	}
	return nil
}

// HSetAll writes a batch of hash fields with one command
func (r *RedisKV) HSetAll(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	if err := r.client.HSet(ctx, key, args...).Err(); err != nil {
		return NewQueryError("failed to write hash", err)
	}
	return nil
}

// Exists reports whether a key is present
func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, NewQueryError("failed to check key existence", err)
	}
	return n > 0, nil
}

// Del removes a key
func (r *RedisKV) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return NewQueryError("failed to delete key", err)
	}
	return nil
}

// SetTTL writes a string key with an expiry, overwriting any current value
func (r *RedisKV) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return NewQueryError("failed to set key", err)
	}
	return nil
}
