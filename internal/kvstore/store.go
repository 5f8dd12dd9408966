// Package kvstore provides the local persistent key/value store used for
// snapshots and the offline sale queue.
package kvstore

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
)

// Store is a byte-valued key/value store with a size estimate.
// Implementations must make Set atomic per key: a reader observes either
// the previous value or the new one.
type Store interface {
	// Get retrieves a value by key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// EstimateUsedBytes returns the summed size of all keys and values.
	EstimateUsedBytes(ctx context.Context) (int64, error)

	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StoreError is a sentinel error type for store lookups.
type StoreError string

func (e StoreError) Error() string { return string(e) }

const (
	// ErrNotFound indicates the key was not found.
	ErrNotFound StoreError = "key not found"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	DataDir       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	BudgetBytes   int64

	// ReservePrefix keys may use the last ReserveBytes of the budget;
	// all other keys stop short of it.
	ReservePrefix string
	ReserveBytes  int64
}

// Open builds the configured backend, wrapped in a budget when
// BudgetBytes is positive. The returned close func releases the backend.
func Open(cfg Config) (Store, func() error, error) {
	var (
		store   Store
		closeFn func() error
	)

	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		s, err := OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "open sqlite store", err)
		}
		store, closeFn = s, s.Close
	case BackendMemory:
		store, closeFn = NewMemoryStore(), func() error { return nil }
	case BackendRedis:
		s, err := NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "open redis store", err)
		}
		store, closeFn = s, s.Close
	default:
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "unknown store backend %q", cfg.Backend)
	}

	if cfg.BudgetBytes > 0 {
		store = WithBudget(store, cfg.BudgetBytes).Reserve(cfg.ReservePrefix, cfg.ReserveBytes)
	}
	return store, closeFn, nil
}

// entrySize is the accounting unit shared by all backends.
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

func validateKey(key string) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, "key must not be empty")
	}
	return nil
}

func wrapBackend(op, key string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("%s %q", op, key), err)
}
