// Package models defines the records shared by the sync core: offline sales,
// snapshot metadata and scheduler status.
package models

import (
	"encoding/json"
	"time"
)

// MaxSyncAttempts is the number of automatic remote insert attempts an
// offline sale gets before it is frozen for operator action.
const MaxSyncAttempts = 3

// OfflineSaleRecord is a point-of-sale transaction recorded locally while the
// remote store was unreachable or rejected the write.
type OfflineSaleRecord struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	SaleData     json.RawMessage `json:"sale_data"`
	CreatedAt    time.Time       `json:"created_at"`
	SyncAttempts int             `json:"sync_attempts"`
	LastError    *string         `json:"last_error"`
	Synced       bool            `json:"synced"`
	SyncedAt     *time.Time      `json:"synced_at,omitempty"`
}

// Frozen reports whether automatic retries are exhausted.
func (r *OfflineSaleRecord) Frozen() bool {
	return !r.Synced && r.SyncAttempts >= MaxSyncAttempts
}

// Pending reports whether the record is still eligible for automatic flush.
func (r *OfflineSaleRecord) Pending() bool {
	return !r.Synced && r.SyncAttempts < MaxSyncAttempts
}

// Clone returns a deep copy so callers cannot mutate queue state.
func (r *OfflineSaleRecord) Clone() OfflineSaleRecord {
	c := *r
	if r.SaleData != nil {
		c.SaleData = append(json.RawMessage(nil), r.SaleData...)
	}
	if r.LastError != nil {
		msg := *r.LastError
		c.LastError = &msg
	}
	if r.SyncedAt != nil {
		at := *r.SyncedAt
		c.SyncedAt = &at
	}
	return c
}
