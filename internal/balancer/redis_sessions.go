package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore implements SessionStore on Redis, so session affinity
// survives balancer restarts and can be shared between gateway replicas.
// Expiry is delegated to Redis key TTLs.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	closed bool
	mu     sync.Mutex
}

// RedisSessionConfig holds configuration for the Redis session store.
type RedisSessionConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisSessionConfig returns a RedisSessionConfig with defaults.
func DefaultRedisSessionConfig() *RedisSessionConfig {
	return &RedisSessionConfig{
		Address:      "localhost:6379",
		Prefix:       "avlb:session:",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisSessionStore creates a Redis-backed session store and verifies
// connectivity with a ping.
func NewRedisSessionStore(cfg *RedisSessionConfig) (*RedisSessionStore, error) {
	if cfg == nil {
		cfg = DefaultRedisSessionConfig()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "avlb:session:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSessionStore{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// NewRedisSessionStoreWithClient creates a store around an existing
// client. Used by tests and by callers that manage the client lifecycle.
func NewRedisSessionStoreWithClient(client *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "avlb:session:"
	}
	return &RedisSessionStore{
		client: client,
		prefix: prefix,
	}
}

// sessionKey builds the Redis key for a service/session pair.
func (s *RedisSessionStore) sessionKey(service, key string) string {
	return s.prefix + service + ":" + key
}

// servicePattern matches every key of a service.
func (s *RedisSessionStore) servicePattern(service string) string {
	return s.prefix + service + ":*"
}

// Get implements SessionStore.
func (s *RedisSessionStore) Get(ctx context.Context, service, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.sessionKey(service, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get error: %w", err)
	}
	return val, true, nil
}

// Put implements SessionStore.
func (s *RedisSessionStore) Put(ctx context.Context, service, key, instanceID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.sessionKey(service, key), instanceID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete implements SessionStore.
func (s *RedisSessionStore) Delete(ctx context.Context, service, key string) error {
	if err := s.client.Del(ctx, s.sessionKey(service, key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// DeleteByInstance implements SessionStore. It scans the service's keys
// and removes those bound to the instance.
func (s *RedisSessionStore) DeleteByInstance(ctx context.Context, service, instanceID string) error {
	iter := s.client.Scan(ctx, 0, s.servicePattern(service), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get error: %w", err)
		}
		if val == instanceID {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis del error: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan error: %w", err)
	}
	return nil
}

// DeleteService implements SessionStore.
func (s *RedisSessionStore) DeleteService(ctx context.Context, service string) error {
	iter := s.client.Scan(ctx, 0, s.servicePattern(service), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del error: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan error: %w", err)
	}
	return nil
}

// Close implements SessionStore. Close is idempotent.
func (s *RedisSessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
