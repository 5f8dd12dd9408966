// Package snapshot downloads the reference tables of the remote store into the
// local key/value store and tracks what is resident.
//
// Every table is written under its own key with a single Set, so readers see
// either the previous payload or the new one. A table whose fetch fails keeps
// its previous payload and is marked failed in the metadata; the metadata is
// rewritten after each committed table so its counts always describe the
// resident data.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/possync/backend/internal/clock"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/logging"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/telemetry"
)

const (
	// KeyPrefix is shared by every snapshot key.
	KeyPrefix = "snapshot:"
	// TableKeyPrefix prefixes the per-table payload keys.
	TableKeyPrefix = KeyPrefix + "table:"
	// MetadataKey holds the JSON encoded DownloadMetadata.
	MetadataKey = KeyPrefix + "metadata"

	// DefaultBatchSize is the page size used against the remote store.
	DefaultBatchSize = 1000
)

// DefaultTables are the reference tables downloaded when no catalog is given.
var DefaultTables = []string{
	"products",
	"product_variants",
	"customers",
	"categories",
	"suppliers",
	"employees",
}

// TableKey returns the store key for a table payload.
func TableKey(table string) string {
	return TableKeyPrefix + table
}

// ProgressFunc receives download progress.
type ProgressFunc func(models.Progress)

// TableFailure describes one table that could not be refreshed.
type TableFailure struct {
	Table string              `json:"table"`
	Code  apperrors.ErrorCode `json:"code"`
	Error string              `json:"error"`
}

// Result is the outcome of a full download.
type Result struct {
	Success        bool                     `json:"success"`
	CountsByEntity map[string]int           `json:"counts_by_entity"`
	Error          string                   `json:"error,omitempty"`
	Failed         []TableFailure           `json:"failed,omitempty"`
	Aborted        bool                     `json:"aborted"`
	Metadata       *models.DownloadMetadata `json:"metadata,omitempty"`
}

// FailedTables returns the names of the tables in r.Failed.
func (r *Result) FailedTables() []string {
	names := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		names[i] = f.Table
	}
	return names
}

// Config holds Downloader settings.
type Config struct {
	Tables    []string
	BatchSize int
}

// Downloader pulls reference tables into the local store.
type Downloader struct {
	store     kvstore.Store
	remote    remote.Store
	clock     clock.Clock
	metrics   *telemetry.Metrics
	tables    []string
	batchSize int

	// mu serializes downloads and ClearDownload.
	mu sync.Mutex
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClock sets the clock used for timestamps and durations.
func WithClock(c clock.Clock) Option {
	return func(d *Downloader) { d.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// NewDownloader creates a Downloader. Table names are validated up front.
func NewDownloader(store kvstore.Store, rs remote.Store, cfg Config, opts ...Option) (*Downloader, error) {
	tables := cfg.Tables
	if len(tables) == 0 {
		tables = DefaultTables
	}
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if err := remote.ValidateIdentifier(t); err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "table %q listed twice", t)
		}
		seen[t] = true
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	d := &Downloader{
		store:     store,
		remote:    rs,
		clock:     clock.New(),
		tables:    append([]string(nil), tables...),
		batchSize: batch,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Tables returns the configured table list.
func (d *Downloader) Tables() []string {
	return append([]string(nil), d.tables...)
}

// DownloadFullDatabase refreshes every configured table.
//
// Fetch failures are isolated per table: the table keeps its previous payload,
// is reported in Result.Failed and marked failed in the metadata, and the
// download moves on. A local write failure (including StorageQuotaExceeded)
// or context cancellation aborts the download and is returned as the error;
// tables committed before the abort stay resident and described by the
// metadata. The returned Result is never nil.
func (d *Downloader) DownloadFullDatabase(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.clock.Now()
	total := len(d.tables)

	logging.Info("Snapshot download started", map[string]interface{}{
		"tables":     total,
		"batch_size": d.batchSize,
	})

	prev, err := d.readMetadata(ctx)
	if err != nil {
		logging.Warn("Ignoring unreadable snapshot metadata", map[string]interface{}{
			"error": err.Error(),
		})
		prev = nil
	}

	meta := newMetadataFrom(prev)
	result := &Result{}
	committed := 0
	dirty := prev != nil

	report := func(current int, task string) {
		if onProgress == nil {
			return
		}
		pct := 100
		if total > 0 {
			pct = current * 100 / total
		}
		onProgress(models.Progress{Current: current, Total: total, CurrentTask: task, Percentage: pct})
	}

	var abortErr error
	for i, table := range d.tables {
		report(i, "Downloading "+table)

		rows, fetchErr := d.fetchTable(ctx, table)
		if fetchErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				abortErr = ctxErr
				break
			}
			d.markFailed(meta, result, table, fetchErr)
			logging.ErrorWithCode("Snapshot table fetch failed", string(apperrors.ErrPartialFetchFailure), fetchErr,
				map[string]interface{}{"table": table})
			continue
		}

		if err := d.commitTable(ctx, meta, table, rows); err != nil {
			d.markFailed(meta, result, table, err)
			abortErr = err
			logging.ErrorWithCode("Snapshot download aborted", string(apperrors.CodeOf(err)), err,
				map[string]interface{}{"table": table})
			break
		}
		committed++
		dirty = true
		d.metrics.ObserveTable(table, string(models.TableStatusOK), len(rows))
	}

	duration := d.clock.Now().Sub(start)
	meta.Timestamp = d.clock.Now()
	meta.DownloadDurationMs = duration.Milliseconds()
	meta.Partial = len(result.Failed) > 0 || abortErr != nil
	meta.CountsByEntity = residentCounts(meta.Tables)

	// Status-only changes are safe to persist whenever metadata already
	// describes resident data; nothing resident means nothing to describe.
	if dirty {
		if err := d.writeMetadata(ctx, meta); err != nil {
			logging.Error("Failed to write final snapshot metadata", err, nil)
			if abortErr == nil {
				abortErr = err
			}
		}
	}

	result.CountsByEntity = copyCounts(meta.CountsByEntity)
	result.Metadata = meta.Clone()
	result.Aborted = abortErr != nil
	result.Success = abortErr == nil && len(result.Failed) == 0
	switch {
	case abortErr != nil:
		result.Error = abortErr.Error()
	case len(result.Failed) > 0:
		result.Error = apperrors.Newf(apperrors.ErrPartialFetchFailure,
			"%d of %d tables failed", len(result.Failed), total).Error()
	}

	d.metrics.ObserveDownload(duration)
	if used, err := d.store.EstimateUsedBytes(ctx); err == nil {
		d.metrics.SetStorageUsed(used)
	}

	if result.Success {
		report(total, "Complete")
	}
	logging.Info("Snapshot download finished", map[string]interface{}{
		"success":     result.Success,
		"committed":   committed,
		"failed":      len(result.Failed),
		"aborted":     result.Aborted,
		"duration_ms": duration.Milliseconds(),
	})

	if abortErr != nil {
		return result, abortErr
	}
	return result, nil
}

// fetchTable pages through table until a short page.
func (d *Downloader) fetchTable(ctx context.Context, table string) ([]remote.Row, error) {
	rows := make([]remote.Row, 0)
	for offset := 0; ; offset += d.batchSize {
		page, err := d.remote.FetchPage(ctx, table, offset, d.batchSize)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < d.batchSize {
			return rows, nil
		}
	}
}

// commitTable writes the payload and then the metadata describing it. When
// the metadata write fails the previous payload is put back so the metadata
// never disagrees with what is resident.
func (d *Downloader) commitTable(ctx context.Context, meta *models.DownloadMetadata, table string, rows []remote.Row) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode "+table, err)
	}

	key := TableKey(table)
	previous, prevErr := d.store.Get(ctx, key)
	if prevErr != nil && !errors.Is(prevErr, kvstore.ErrNotFound) {
		return prevErr
	}

	if err := d.store.Set(ctx, key, payload); err != nil {
		return err
	}

	now := d.clock.Now()
	prevMeta, hadMeta := meta.Tables[table]
	meta.Tables[table] = models.TableMeta{
		Count:     len(rows),
		Resident:  true,
		UpdatedAt: &now,
		Status:    models.TableStatusOK,
	}
	meta.Timestamp = now
	meta.CountsByEntity = residentCounts(meta.Tables)

	if err := d.writeMetadata(ctx, meta); err != nil {
		if hadMeta {
			meta.Tables[table] = prevMeta
		} else {
			delete(meta.Tables, table)
		}
		meta.CountsByEntity = residentCounts(meta.Tables)

		var restoreErr error
		if prevErr == nil {
			restoreErr = d.store.Set(ctx, key, previous)
		} else {
			restoreErr = d.store.Remove(ctx, key)
		}
		if restoreErr != nil {
			logging.Error("Failed to restore table after metadata write failure", restoreErr,
				map[string]interface{}{"table": table})
		}
		return err
	}
	return nil
}

// markFailed records a failed table while keeping whatever is resident.
func (d *Downloader) markFailed(meta *models.DownloadMetadata, result *Result, table string, err error) {
	tm := meta.Tables[table]
	tm.Status = models.TableStatusFailed
	tm.Error = err.Error()
	meta.Tables[table] = tm

	result.Failed = append(result.Failed, TableFailure{
		Table: table,
		Code:  apperrors.CodeOf(err),
		Error: err.Error(),
	})
	d.metrics.ObserveTable(table, string(models.TableStatusFailed), tm.Count)
}

// IsDownloaded reports whether any snapshot data is resident.
func (d *Downloader) IsDownloaded(ctx context.Context) (bool, error) {
	meta, err := d.GetDownloadMetadata(ctx)
	if err != nil || meta == nil {
		return false, err
	}
	for _, tm := range meta.Tables {
		if tm.Resident {
			return true, nil
		}
	}
	return false, nil
}

// GetDownloadMetadata returns the last metadata, or nil when none exists.
func (d *Downloader) GetDownloadMetadata(ctx context.Context) (*models.DownloadMetadata, error) {
	return d.readMetadata(ctx)
}

// ClearDownload removes the metadata and every table payload. The metadata
// goes first so an interrupted clear never announces missing tables.
func (d *Downloader) ClearDownload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Remove(ctx, MetadataKey); err != nil {
		return err
	}

	keys, err := d.store.Keys(ctx, TableKeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := d.store.Remove(ctx, k); err != nil {
			return err
		}
	}

	d.metrics.ResetSnapshot()
	logging.Info("Snapshot cleared", map[string]interface{}{"tables_removed": len(keys)})
	return nil
}

// LoadTable reads a resident table back from the local store.
func (d *Downloader) LoadTable(ctx context.Context, table string) ([]remote.Row, error) {
	data, err := d.store.Get(ctx, TableKey(table))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "table %s is not downloaded", table)
	}
	if err != nil {
		return nil, err
	}

	var rows []remote.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("decode table %s", table), err)
	}
	return rows, nil
}

// ResidentCount returns the number of rows stored for table, read back from
// the payload itself. ok is false when the table is not resident.
func (d *Downloader) ResidentCount(ctx context.Context, table string) (count int, ok bool, err error) {
	data, err := d.store.Get(ctx, TableKey(table))
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("decode table %s", table), err)
	}
	return len(rows), true, nil
}

func (d *Downloader) readMetadata(ctx context.Context) (*models.DownloadMetadata, error) {
	data, err := d.store.Get(ctx, MetadataKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta models.DownloadMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode snapshot metadata", err)
	}
	if meta.Tables == nil {
		meta.Tables = make(map[string]models.TableMeta)
	}
	if meta.CountsByEntity == nil {
		meta.CountsByEntity = make(map[string]int)
	}
	return &meta, nil
}

func (d *Downloader) writeMetadata(ctx context.Context, meta *models.DownloadMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode snapshot metadata", err)
	}
	return d.store.Set(ctx, MetadataKey, data)
}

// newMetadataFrom starts a run from the previous metadata with every table
// marked unchanged until this run touches it.
func newMetadataFrom(prev *models.DownloadMetadata) *models.DownloadMetadata {
	meta := &models.DownloadMetadata{
		CountsByEntity: make(map[string]int),
		Tables:         make(map[string]models.TableMeta),
	}
	if prev == nil {
		return meta
	}
	for name, tm := range prev.Tables {
		tm.Status = models.TableStatusUnchanged
		tm.Error = ""
		meta.Tables[name] = tm
	}
	meta.CountsByEntity = residentCounts(meta.Tables)
	return meta
}

func residentCounts(tables map[string]models.TableMeta) map[string]int {
	counts := make(map[string]int, len(tables))
	for name, tm := range tables {
		if tm.Resident {
			counts[name] = tm.Count
		}
	}
	return counts
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
