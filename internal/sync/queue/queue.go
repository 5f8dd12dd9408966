// Package queue provides the durable offline sale queue.
//
// Sales recorded while the remote store is unreachable are kept in the local
// key/value store and replayed in enqueue order. Each remote insert is keyed
// by the sale id, so a replay after a lost acknowledgement never creates a
// second remote sale. A sale that fails models.MaxSyncAttempts times is frozen:
// it stays in the queue for an operator and is not retried automatically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/possync/backend/internal/clock"
	"github.com/kimhsiao/possync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/logging"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/telemetry"
	"github.com/kimhsiao/possync/backend/internal/uuid"
)

const (
	// KeyPrefix is shared by every key the queue writes.
	KeyPrefix = "queue:"
	// StateKey holds the active queue.
	StateKey = KeyPrefix + "state"
	// ArchiveKey holds recently synced sales.
	ArchiveKey = KeyPrefix + "archive"

	// DefaultMaxSize caps the number of active records.
	DefaultMaxSize = 10000
	// DefaultArchiveSize caps the number of archived records kept.
	DefaultArchiveSize = 200
)

// state is the persisted form of the active queue.
type state struct {
	NextSeq int64                      `json:"next_seq"`
	Records []models.OfflineSaleRecord `json:"records"`
}

// FlushResult summarizes one SyncAllPendingSales call.
type FlushResult struct {
	// Synced is the number of sales written to the remote store.
	Synced int `json:"synced"`
	// Failed is the number of sales whose insert failed during this call.
	Failed int `json:"failed"`
	// Frozen is the subset of Failed that reached the attempt cap.
	Frozen int `json:"frozen"`
}

// Stats describes the queue contents.
type Stats struct {
	Total    int   `json:"total"`
	Pending  int   `json:"pending"`
	Frozen   int   `json:"frozen"`
	Archived int   `json:"archived"`
	NextSeq  int64 `json:"next_seq"`
}

// Queue is the offline sale queue.
type Queue struct {
	store   kvstore.Store
	remote  remote.Store
	probe   connectivity.Probe
	clock   clock.Clock
	metrics *telemetry.Metrics

	maxSize     int
	archiveSize int

	mu      sync.Mutex // guards state and archive
	state   state
	archive []models.OfflineSaleRecord

	flushMu sync.Mutex // one flush at a time
}

// Option configures a Queue.
type Option func(*Queue)

// WithProbe makes SyncAllPendingSales refuse to run while offline.
func WithProbe(p connectivity.Probe) Option {
	return func(q *Queue) { q.probe = p }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithMaxSize sets the active record cap.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithArchiveSize sets how many synced records are kept.
func WithArchiveSize(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.archiveSize = n
		}
	}
}

// New loads the queue from store.
func New(ctx context.Context, store kvstore.Store, rs remote.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:       store,
		remote:      rs,
		clock:       clock.New(),
		maxSize:     DefaultMaxSize,
		archiveSize: DefaultArchiveSize,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}

	logging.Info("Offline queue loaded", map[string]interface{}{
		"records":  len(q.state.Records),
		"archived": len(q.archive),
		"next_seq": q.state.NextSeq,
	})
	q.updateGauges()
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	data, err := q.store.Get(ctx, StateKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &q.state); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "decode queue state", err)
		}
	}
	sort.SliceStable(q.state.Records, func(i, j int) bool {
		return q.state.Records[i].Seq < q.state.Records[j].Seq
	})

	data, err = q.store.Get(ctx, ArchiveKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &q.archive); err != nil {
			// The archive is informational; a corrupt one is dropped.
			logging.Warn("Discarding unreadable queue archive", map[string]interface{}{"error": err.Error()})
			q.archive = nil
		}
	}
	return nil
}

// =====================================================
// Enqueue and inspection
// =====================================================

// Enqueue records a sale locally. It needs no connectivity.
func (q *Queue) Enqueue(ctx context.Context, saleData json.RawMessage) (models.OfflineSaleRecord, error) {
	if len(saleData) == 0 || !json.Valid(saleData) {
		return models.OfflineSaleRecord{}, apperrors.New(apperrors.ErrInvalid, "sale data must be valid JSON")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.state.Records) >= q.maxSize {
		return models.OfflineSaleRecord{}, apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.maxSize)
	}

	rec := models.OfflineSaleRecord{
		ID:        uuid.New(),
		Seq:       q.state.NextSeq + 1,
		SaleData:  append(json.RawMessage(nil), saleData...),
		CreatedAt: q.clock.Now().UTC(),
	}

	next := state{
		NextSeq: rec.Seq,
		Records: append(append([]models.OfflineSaleRecord(nil), q.state.Records...), rec),
	}
	if err := q.persistState(ctx, next); err != nil {
		return models.OfflineSaleRecord{}, err
	}
	q.state = next

	logging.Info("Offline sale enqueued", map[string]interface{}{
		"sale_id": rec.ID,
		"seq":     rec.Seq,
	})
	q.metrics.SaleEnqueued()
	q.updateGaugesLocked()
	return rec.Clone(), nil
}

// List returns every active record, pending and frozen, in enqueue order.
func (q *Queue) List() []models.OfflineSaleRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.OfflineSaleRecord, len(q.state.Records))
	for i := range q.state.Records {
		out[i] = q.state.Records[i].Clone()
	}
	return out
}

// ListArchived returns recently synced records, oldest first.
func (q *Queue) ListArchived() []models.OfflineSaleRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.OfflineSaleRecord, len(q.archive))
	for i := range q.archive {
		out[i] = q.archive[i].Clone()
	}
	return out
}

// Get returns one active record.
func (q *Queue) Get(id string) (models.OfflineSaleRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return models.OfflineSaleRecord{}, apperrors.Newf(apperrors.ErrSaleNotFound, "sale %s not found", id)
	}
	return q.state.Records[i].Clone(), nil
}

// GetStats returns queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:    len(q.state.Records),
		Archived: len(q.archive),
		NextSeq:  q.state.NextSeq,
	}
	for i := range q.state.Records {
		if q.state.Records[i].Frozen() {
			s.Frozen++
		} else if q.state.Records[i].Pending() {
			s.Pending++
		}
	}
	return s
}

// =====================================================
// Flush
// =====================================================

// SyncAllPendingSales replays pending sales to the remote store in enqueue
// order, one at a time. A failed sale does not stop the ones behind it; its
// attempt count and error are recorded on the record instead. Frozen sales
// are skipped.
//
// The only errors returned are NetworkUnavailable when the probe reports the
// device offline, context cancellation, and local persistence failures.
func (q *Queue) SyncAllPendingSales(ctx context.Context) (FlushResult, error) {
	var result FlushResult

	if q.probe != nil && !q.probe.IsOnline() {
		return result, apperrors.New(apperrors.ErrNetworkUnavailable, "device is offline")
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.pendingSnapshot()
	if len(batch) == 0 {
		return result, nil
	}

	logging.Info("Flushing offline sales", map[string]interface{}{"pending": len(batch)})

	var firstErr error
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}

		insertErr := q.insert(ctx, rec)
		if insertErr != nil && ctx.Err() != nil {
			// Cancelled mid-request: the attempt is not charged to the sale.
			firstErr = ctx.Err()
			break
		}

		frozen, err := q.recordOutcome(ctx, rec.ID, insertErr)
		if err != nil && firstErr == nil {
			firstErr = err
		}

		if insertErr == nil {
			result.Synced++
			continue
		}
		result.Failed++
		if frozen {
			result.Frozen++
		}
	}

	q.metrics.ObserveFlush(result.Synced, result.Failed)
	q.updateGauges()

	logging.Info("Offline sale flush finished", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
		"frozen": result.Frozen,
	})
	return result, firstErr
}

// pendingSnapshot copies the records eligible for automatic flush.
func (q *Queue) pendingSnapshot() []models.OfflineSaleRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []models.OfflineSaleRecord
	for i := range q.state.Records {
		if q.state.Records[i].Pending() {
			batch = append(batch, q.state.Records[i].Clone())
		}
	}
	return batch
}

// insert calls the remote store, turning a panic into an error.
func (q *Queue) insert(ctx context.Context, rec models.OfflineSaleRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrRemoteWriteRejected, "insert panicked: %v", r)
		}
	}()
	return q.remote.InsertSale(ctx, rec.ID, rec.SaleData)
}

// recordOutcome applies one insert result to the stored record. It reports
// whether the record is now frozen.
func (q *Queue) recordOutcome(ctx context.Context, id string, insertErr error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		// Removed by an operator while the insert was in flight.
		return false, nil
	}

	if insertErr == nil {
		rec := q.state.Records[i]
		now := q.clock.Now().UTC()
		rec.Synced = true
		rec.SyncedAt = &now
		rec.LastError = nil

		q.state.Records = append(q.state.Records[:i:i], q.state.Records[i+1:]...)
		q.archive = append(q.archive, rec)
		if over := len(q.archive) - q.archiveSize; over > 0 {
			q.archive = append([]models.OfflineSaleRecord(nil), q.archive[over:]...)
		}

		logging.Info("Offline sale synced", map[string]interface{}{
			"sale_id":  id,
			"seq":      rec.Seq,
			"attempts": rec.SyncAttempts + 1,
		})

		if err := q.persistArchive(ctx); err != nil {
			logging.Warn("Failed to persist queue archive", map[string]interface{}{"error": err.Error()})
		}
		return false, q.persistState(ctx, q.state)
	}

	rec := &q.state.Records[i]
	rec.SyncAttempts++
	msg := insertErr.Error()
	rec.LastError = &msg
	frozen := rec.Frozen()

	if frozen {
		logging.ErrorWithCode("Offline sale frozen after max attempts", string(apperrors.ErrRemoteWriteRejected), insertErr,
			map[string]interface{}{"sale_id": id, "attempts": rec.SyncAttempts})
	} else {
		logging.Warn("Offline sale sync failed", map[string]interface{}{
			"sale_id": id,
			"attempt": rec.SyncAttempts,
			"max":     models.MaxSyncAttempts,
			"error":   msg,
		})
	}
	// In-memory state keeps the attempt even if persisting fails, so the cap
	// holds for the life of the process.
	return frozen, q.persistState(ctx, q.state)
}

// =====================================================
// Operator actions
// =====================================================

// RetryFailed clears the attempts of a frozen sale so the next flush picks
// it up again.
func (q *Queue) RetryFailed(ctx context.Context, id string) (models.OfflineSaleRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return models.OfflineSaleRecord{}, apperrors.Newf(apperrors.ErrSaleNotFound, "sale %s not found", id)
	}
	if !q.state.Records[i].Frozen() {
		return models.OfflineSaleRecord{}, apperrors.Newf(apperrors.ErrInvalid, "sale %s is not frozen", id)
	}

	next := q.cloneState()
	next.Records[i].SyncAttempts = 0
	next.Records[i].LastError = nil
	if err := q.persistState(ctx, next); err != nil {
		return models.OfflineSaleRecord{}, err
	}
	q.state = next

	logging.Info("Frozen sale reset for retry", map[string]interface{}{"sale_id": id})
	q.updateGaugesLocked()
	return q.state.Records[i].Clone(), nil
}

// Remove discards an active sale without syncing it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return apperrors.Newf(apperrors.ErrSaleNotFound, "sale %s not found", id)
	}

	next := q.cloneState()
	next.Records = append(next.Records[:i], next.Records[i+1:]...)
	if err := q.persistState(ctx, next); err != nil {
		return err
	}
	q.state = next

	logging.Warn("Offline sale discarded", map[string]interface{}{"sale_id": id})
	q.updateGaugesLocked()
	return nil
}

// =====================================================
// Helpers
// =====================================================

func (q *Queue) indexOf(id string) int {
	for i := range q.state.Records {
		if q.state.Records[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) cloneState() state {
	next := state{NextSeq: q.state.NextSeq, Records: make([]models.OfflineSaleRecord, len(q.state.Records))}
	for i := range q.state.Records {
		next.Records[i] = q.state.Records[i].Clone()
	}
	return next
}

func (q *Queue) persistState(ctx context.Context, s state) error {
	if s.Records == nil {
		s.Records = []models.OfflineSaleRecord{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode queue state", err)
	}
	if err := q.store.Set(ctx, StateKey, data); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) persistArchive(ctx context.Context) error {
	data, err := json.Marshal(q.archive)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode queue archive", err)
	}
	return q.store.Set(ctx, ArchiveKey, data)
}

func (q *Queue) updateGauges() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateGaugesLocked()
}

func (q *Queue) updateGaugesLocked() {
	if q.metrics == nil {
		return
	}
	pending, frozen := 0, 0
	for i := range q.state.Records {
		if q.state.Records[i].Frozen() {
			frozen++
		} else if q.state.Records[i].Pending() {
			pending++
		}
	}
	q.metrics.SetQueueDepth(pending, frozen)
}
