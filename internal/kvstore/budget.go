package kvstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// BudgetStore rejects writes that would grow the store past a byte budget.
// A rejected Set leaves the previous value untouched.
//
// A reserve holds back part of the budget for keys under one prefix: other
// keys may only grow the store to budget minus reserve.
type BudgetStore struct {
	Store
	budget        int64
	reservePrefix string
	reserve       int64
	mu            sync.Mutex
}

// WithBudget wraps store with a byte budget.
func WithBudget(store Store, budgetBytes int64) *BudgetStore {
	return &BudgetStore{Store: store, budget: budgetBytes}
}

// Reserve holds back bytes of the budget for keys starting with prefix.
func (b *BudgetStore) Reserve(prefix string, bytes int64) *BudgetStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reservePrefix, b.reserve = prefix, bytes
	return b
}

// Budget returns the configured budget in bytes.
func (b *BudgetStore) Budget() int64 {
	return b.budget
}

// limitFor returns the size the store may reach after writing key.
func (b *BudgetStore) limitFor(key string) int64 {
	if b.reserve <= 0 || strings.HasPrefix(key, b.reservePrefix) {
		return b.budget
	}
	return b.budget - b.reserve
}

// Set checks the projected size before delegating.
func (b *BudgetStore) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	used, err := b.Store.EstimateUsedBytes(ctx)
	if err != nil {
		return err
	}

	var existing int64
	old, err := b.Store.Get(ctx, key)
	switch {
	case err == nil:
		existing = entrySize(key, old)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	projected := used - existing + entrySize(key, value)
	if limit := b.limitFor(key); projected > limit {
		logging.Warn("Storage budget exceeded", map[string]interface{}{
			"key":       key,
			"used":      used,
			"projected": projected,
			"limit":     limit,
			"budget":    b.budget,
		})
		return apperrors.Newf(apperrors.ErrStorageQuotaExceeded,
			"writing %q needs %d bytes, limit is %d", key, projected, limit)
	}

	return b.Store.Set(ctx, key, value)
}

// Remove serializes with Set so a check and its write see the same usage.
func (b *BudgetStore) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Store.Remove(ctx, key)
}
