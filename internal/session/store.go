package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// DefaultTTL is the idle time-to-live for session keys in Redis.
	DefaultTTL = 24 * time.Hour
)

// RedisBackend stores sessions as Redis hashes with a sliding TTL, so sessions
// survive a server restart.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(redisAddr string, ttl time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisBackendWithClient(client, ttl), nil
}

// NewRedisBackendWithClient wraps an existing client. A non-positive ttl uses
// DefaultTTL.
func NewRedisBackendWithClient(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBackend{client: client, ttl: ttl}
}

// Put stores a session hash and sets its TTL.
func (b *RedisBackend) Put(ctx context.Context, s Session) error {
	key := SessionPrefix + s.Token

	fields := map[string]interface{}{
		"token":       s.Token,
		"username":    s.Username,
		"user_since":  s.UserSince,
		"server":      s.Server,
		"created_at":  s.CreatedAt,
		"last_active": s.LastActive,
	}

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, b.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session and refreshes its TTL. Returns nil if not found.
func (b *RedisBackend) Get(ctx context.Context, token string) (*Session, error) {
	key := SessionPrefix + token

	var s Session
	if err := b.client.HGetAll(ctx, key).Scan(&s); err != nil {
		return nil, err
	}
	if s.Token == "" {
		return nil, nil
	}

	now := time.Now().Unix()
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", now)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	s.LastActive = now
	return &s, nil
}

// Delete removes a session from Redis.
func (b *RedisBackend) Delete(ctx context.Context, token string) error {
	return b.client.Del(ctx, SessionPrefix+token).Err()
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Client returns the underlying Redis client so other Redis users, such as the
// rate limiter, can share the connection pool.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}
