package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every entry as a field of one Redis hash, so HSET gives
// per-key atomic replacement.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisStoreFromClient(client, cfg.Key), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "possync:kv"
	}
	return &RedisStore{client: client, key: key}
}

// Get retrieves a value by key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBackend("get", key, err)
	}
	return data, nil
}

// Set replaces the hash field for key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return wrapBackend("set", key, err)
	}
	return nil
}

// Remove deletes the hash field for key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.key, key).Err(); err != nil {
		return wrapBackend("remove", key, err)
	}
	return nil
}

// estimateBatch bounds the HSTRLEN calls sent in one pipeline.
const estimateBatch = 256

// EstimateUsedBytes sums field names from HKEYS with value lengths from
// HSTRLEN. Each field is counted once; values are not transferred.
func (s *RedisStore) EstimateUsedBytes(ctx context.Context) (int64, error) {
	fields, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return 0, wrapBackend("estimate", "*", err)
	}

	var total int64
	for start := 0; start < len(fields); start += estimateBatch {
		batch := fields[start:min(start+estimateBatch, len(fields))]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.Cmd, len(batch))
		for i, f := range batch {
			cmds[i] = pipe.Do(ctx, "hstrlen", s.key, f)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, wrapBackend("estimate", "*", err)
		}

		for i, cmd := range cmds {
			n, err := cmd.Int64()
			if err != nil {
				return 0, wrapBackend("estimate", batch[i], err)
			}
			total += int64(len(batch[i])) + n
		}
	}
	return total, nil
}

// Keys lists keys with the given prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, wrapBackend("keys", prefix, err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
