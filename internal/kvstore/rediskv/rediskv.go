// Package rediskv implements platform.KVStore over Redis, for a bridge
// deployment that already centralizes state in a shared Redis instance.
// Grounded on the teacher pack's
// EdgxCloud-EdgeFlow/internal/storage/redis_context.go (key-prefix
// namespacing, SCAN-based domain enumeration), adapted from go-redis/v8's
// API to the go-redis/v9 client this module depends on.
package rediskv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwoglom/haprt/pkg/platform"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "hap"
}

// Store is a platform.KVStore over a single Redis client, namespacing every
// key under Prefix:domain:key.
type Store struct {
	client *redis.Client
	prefix string
}

// Open dials cfg.Addr and verifies connectivity with a PING.
func Open(cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "hap"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rediskv: connect to %s: %w", cfg.Addr, err)
	}

	return &Store{client: client, prefix: cfg.Prefix}, nil
}

func (s *Store) key(domain, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, domain, key)
}

func (s *Store) pattern(domain string) string {
	return fmt.Sprintf("%s:%s:*", s.prefix, domain)
}

func (s *Store) Get(domain, key string) ([]byte, error) {
	ctx := context.Background()
	val, err := s.client.Get(ctx, s.key(domain, key)).Bytes()
	if err == redis.Nil {
		return nil, platform.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rediskv: get %s/%s: %w", domain, key, err)
	}
	return val, nil
}

func (s *Store) Set(domain, key string, value []byte) error {
	ctx := context.Background()
	if err := s.client.Set(ctx, s.key(domain, key), value, 0).Err(); err != nil {
		return fmt.Errorf("rediskv: set %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Remove(domain, key string) error {
	ctx := context.Background()
	if err := s.client.Del(ctx, s.key(domain, key)).Err(); err != nil {
		return fmt.Errorf("rediskv: remove %s/%s: %w", domain, key, err)
	}
	return nil
}

func (s *Store) Enumerate(domain string, fn func(key string, value []byte) error) error {
	ctx := context.Background()
	prefix := s.key(domain, "")

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.pattern(domain), 100).Result()
		if err != nil {
			return fmt.Errorf("rediskv: scan %s: %w", domain, err)
		}
		for _, full := range keys {
			val, err := s.client.Get(ctx, full).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return fmt.Errorf("rediskv: get %s: %w", full, err)
			}
			name := strings.TrimPrefix(full, prefix)
			if err := fn(name, val); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (s *Store) PurgeDomain(domain string) error {
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.pattern(domain), 100).Result()
		if err != nil {
			return fmt.Errorf("rediskv: scan %s: %w", domain, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("rediskv: purge %s: %w", domain, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }
