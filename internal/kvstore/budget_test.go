package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
)

func TestBudgetStore_withinBudget(t *testing.T) {
	ctx := context.Background()
	s := WithBudget(NewMemoryStore(), 10)

	require.NoError(t, s.Set(ctx, "k", []byte("123456789")))

	used, err := s.EstimateUsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}

func TestBudgetStore_rejectsGrowth(t *testing.T) {
	ctx := context.Background()
	s := WithBudget(NewMemoryStore(), 10)
	require.NoError(t, s.Set(ctx, "a", []byte("1234")))

	err := s.Set(ctx, "b", []byte("123456789"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded))

	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound, "rejected key must not be written")
}

func TestBudgetStore_replacementCountsOldValue(t *testing.T) {
	ctx := context.Background()
	s := WithBudget(NewMemoryStore(), 10)
	require.NoError(t, s.Set(ctx, "k", []byte("123456789")))

	// Same size replacement fits because the old value is released.
	require.NoError(t, s.Set(ctx, "k", []byte("abcdefghi")))

	err := s.Set(ctx, "k", []byte("abcdefghij"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(got), "prior value survives a rejected write")
}

func TestBudgetStore_removeFreesSpace(t *testing.T) {
	ctx := context.Background()
	s := WithBudget(NewMemoryStore(), 10)
	require.NoError(t, s.Set(ctx, "a", []byte("12345678")))
	require.NoError(t, s.Remove(ctx, "a"))

	assert.NoError(t, s.Set(ctx, "b", []byte("12345678")))
}

func TestBudgetStore_reserveHoldsRoomForPrefix(t *testing.T) {
	ctx := context.Background()
	s := WithBudget(NewMemoryStore(), 20).Reserve("q:", 8)

	// Outside the prefix the limit is 12 bytes.
	require.NoError(t, s.Set(ctx, "s:a", []byte("123456789")))
	err := s.Set(ctx, "s:b", []byte("1"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded))

	// The reserved prefix may still use the whole budget.
	require.NoError(t, s.Set(ctx, "q:x", []byte("12345")))

	err = s.Set(ctx, "q:y", []byte("12"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded), "full budget still applies to the reserve")
}

func TestOpen_appliesReserve(t *testing.T) {
	ctx := context.Background()
	s, closeFn, err := Open(Config{Backend: BackendMemory, BudgetBytes: 20, ReservePrefix: "q:", ReserveBytes: 10})
	require.NoError(t, err)
	defer closeFn()

	err = s.Set(ctx, "s:a", []byte("123456789"))
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded))
	assert.NoError(t, s.Set(ctx, "q:a", []byte("123456789")))
}
