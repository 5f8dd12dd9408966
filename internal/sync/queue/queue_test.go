// Package queue provides unit tests for the offline sale queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/possync/backend/internal/clock"
	"github.com/kimhsiao/possync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote/remotetest"
	"github.com/kimhsiao/possync/backend/internal/uuid"
)

// createTestQueue builds a queue over a memory store and a fake remote.
func createTestQueue(t *testing.T, opts ...Option) (*Queue, *kvstore.MemoryStore, *remotetest.Fake) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	fake := remotetest.New()
	opts = append([]Option{WithClock(clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))}, opts...)
	q, err := New(context.Background(), store, fake, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return q, store, fake
}

func sale(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"customer":"c%d","items":[{"sku":"A","qty":%d}],"total":%d.50}`, n, n, n))
}

func enqueueN(t *testing.T, q *Queue, n int) []models.OfflineSaleRecord {
	t.Helper()
	recs := make([]models.OfflineSaleRecord, n)
	for i := range recs {
		rec, err := q.Enqueue(context.Background(), sale(i+1))
		if err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
		recs[i] = rec
	}
	return recs
}

// =====================================================
// Enqueue
// =====================================================

// TestEnqueue verifies a new record is fully initialized.
func TestEnqueue(t *testing.T) {
	q, _, _ := createTestQueue(t)

	rec, err := q.Enqueue(context.Background(), sale(1))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if !uuid.IsValid(rec.ID) {
		t.Errorf("ID %q is not a canonical UUID", rec.ID)
	}
	if rec.Seq != 1 {
		t.Errorf("Seq = %d, want 1", rec.Seq)
	}
	if rec.SyncAttempts != 0 || rec.Synced || rec.LastError != nil {
		t.Errorf("unexpected initial state: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if string(rec.SaleData) != string(sale(1)) {
		t.Errorf("SaleData = %s", rec.SaleData)
	}
}

// TestEnqueue_offline verifies enqueue needs no connectivity.
func TestEnqueue_offline(t *testing.T) {
	probe := connectivity.NewManual(false)
	q, _, fake := createTestQueue(t, WithProbe(probe))

	enqueueN(t, q, 3)

	if got := len(q.List()); got != 3 {
		t.Errorf("List() = %d records, want 3", got)
	}
	if fake.TotalAttempts() != 0 {
		t.Error("enqueue must not touch the remote store")
	}
}

// TestEnqueue_invalidJSON verifies the payload is validated.
func TestEnqueue_invalidJSON(t *testing.T) {
	q, _, _ := createTestQueue(t)

	for _, payload := range []string{"", "{", "not json"} {
		_, err := q.Enqueue(context.Background(), json.RawMessage(payload))
		if !apperrors.Is(err, apperrors.ErrInvalid) {
			t.Errorf("Enqueue(%q) error = %v, want INVALID_INPUT", payload, err)
		}
	}
}

// TestEnqueue_full verifies the capacity limit.
func TestEnqueue_full(t *testing.T) {
	q, _, _ := createTestQueue(t, WithMaxSize(2))
	enqueueN(t, q, 2)

	_, err := q.Enqueue(context.Background(), sale(3))
	if !apperrors.Is(err, apperrors.ErrQueueFull) {
		t.Errorf("error = %v, want QUEUE_FULL", err)
	}
}

// TestEnqueue_quotaLeavesQueueUnchanged verifies a failed persist is not applied.
func TestEnqueue_quotaLeavesQueueUnchanged(t *testing.T) {
	store := kvstore.WithBudget(kvstore.NewMemoryStore(), 300)
	q, err := New(context.Background(), store, remotetest.New())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	var quotaErr error
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(context.Background(), sale(i)); err != nil {
			quotaErr = err
			break
		}
	}
	if !apperrors.Is(quotaErr, apperrors.ErrStorageQuotaExceeded) {
		t.Fatalf("expected STORAGE_QUOTA_EXCEEDED, got %v", quotaErr)
	}

	reloaded, err := New(context.Background(), store, remotetest.New())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(reloaded.List()) != len(q.List()) {
		t.Errorf("in-memory queue (%d) diverged from persisted queue (%d)", len(q.List()), len(reloaded.List()))
	}
}

// TestQueue_persistence verifies records survive a restart with FIFO order.
func TestQueue_persistence(t *testing.T) {
	ctx := context.Background()
	q, store, fake := createTestQueue(t)
	recs := enqueueN(t, q, 3)

	reloaded, err := New(ctx, store, fake)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	list := reloaded.List()
	if len(list) != 3 {
		t.Fatalf("reloaded %d records, want 3", len(list))
	}
	for i := range recs {
		if list[i].ID != recs[i].ID {
			t.Errorf("record %d = %s, want %s", i, list[i].ID, recs[i].ID)
		}
	}

	next, err := reloaded.Enqueue(ctx, sale(4))
	if err != nil {
		t.Fatalf("Enqueue after reload failed: %v", err)
	}
	if next.Seq != 4 {
		t.Errorf("Seq after reload = %d, want 4", next.Seq)
	}
}

// TestList_returnsCopies verifies callers cannot mutate queue state.
func TestList_returnsCopies(t *testing.T) {
	q, _, _ := createTestQueue(t)
	enqueueN(t, q, 1)

	list := q.List()
	list[0].SyncAttempts = 99
	list[0].SaleData[0] = 'X'

	again := q.List()
	if again[0].SyncAttempts != 0 || again[0].SaleData[0] != '{' {
		t.Error("List() leaked internal state")
	}
}

// =====================================================
// Flush
// =====================================================

// TestSyncAllPendingSales_scenarioA enqueues three sales offline and flushes
// them after reconnecting.
func TestSyncAllPendingSales_scenarioA(t *testing.T) {
	ctx := context.Background()
	probe := connectivity.NewManual(false)
	q, _, fake := createTestQueue(t, WithProbe(probe))
	recs := enqueueN(t, q, 3)

	if _, err := q.SyncAllPendingSales(ctx); !apperrors.Is(err, apperrors.ErrNetworkUnavailable) {
		t.Fatalf("offline flush error = %v, want NETWORK_UNAVAILABLE", err)
	}

	probe.SetOnline(true)
	res, err := q.SyncAllPendingSales(ctx)
	if err != nil {
		t.Fatalf("SyncAllPendingSales failed: %v", err)
	}
	if res.Synced != 3 || res.Failed != 0 {
		t.Errorf("result = %+v, want {Synced:3 Failed:0}", res)
	}

	for _, rec := range q.List() {
		if !rec.Synced {
			t.Errorf("record %s still unsynced", rec.ID)
		}
	}
	if len(q.List()) != 0 {
		t.Errorf("List() = %d records, want 0", len(q.List()))
	}

	archived := q.ListArchived()
	if len(archived) != 3 {
		t.Fatalf("archived = %d, want 3", len(archived))
	}
	for i, rec := range archived {
		if rec.ID != recs[i].ID || !rec.Synced || rec.SyncedAt == nil {
			t.Errorf("archived[%d] = %+v", i, rec)
		}
		if payload, ok := fake.Sale(rec.ID); !ok || string(payload) != string(recs[i].SaleData) {
			t.Errorf("remote payload for %s = %s", rec.ID, payload)
		}
	}
}

// TestSyncAllPendingSales_fifo verifies sales reach the remote store in
// enqueue order even when an earlier one fails.
func TestSyncAllPendingSales_fifo(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	recs := enqueueN(t, q, 5)

	var mu sync.Mutex
	var attempted []string
	fake.BeforeInsert = func(id string) {
		mu.Lock()
		attempted = append(attempted, id)
		mu.Unlock()
	}
	fake.FailInsert = func(id string, attempt int) error {
		if id == recs[1].ID && attempt == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	}

	res, err := q.SyncAllPendingSales(ctx)
	if err != nil {
		t.Fatalf("SyncAllPendingSales failed: %v", err)
	}
	if res.Synced != 4 || res.Failed != 1 {
		t.Errorf("result = %+v, want 4 synced 1 failed", res)
	}

	for i, rec := range recs {
		if attempted[i] != rec.ID {
			t.Fatalf("attempt %d = %s, want %s", i, attempted[i], rec.ID)
		}
	}

	want := []string{recs[0].ID, recs[2].ID, recs[3].ID, recs[4].ID}
	got := fake.InsertOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("remote order[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	list := q.List()
	if len(list) != 1 || list[0].ID != recs[1].ID || list[0].SyncAttempts != 1 {
		t.Fatalf("remaining = %+v", list)
	}
	if list[0].LastError == nil {
		t.Error("LastError not recorded")
	}

	// The failed sale goes through on the next flush.
	res, err = q.SyncAllPendingSales(ctx)
	if err != nil || res.Synced != 1 {
		t.Errorf("second flush = %+v, %v", res, err)
	}
}

// TestSyncAllPendingSales_idempotent verifies a second flush sends nothing.
func TestSyncAllPendingSales_idempotent(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	enqueueN(t, q, 4)

	if _, err := q.SyncAllPendingSales(ctx); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	before := fake.TotalAttempts()

	res, err := q.SyncAllPendingSales(ctx)
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if res != (FlushResult{}) {
		t.Errorf("second flush result = %+v, want zero", res)
	}
	if fake.TotalAttempts() != before {
		t.Errorf("second flush made %d remote calls", fake.TotalAttempts()-before)
	}
}

// TestSyncAllPendingSales_replayAfterLostAck verifies a sale whose insert
// committed remotely but whose outcome was not recorded is not duplicated.
func TestSyncAllPendingSales_replayAfterLostAck(t *testing.T) {
	ctx := context.Background()
	q, store, fake := createTestQueue(t)
	recs := enqueueN(t, q, 1)

	// The remote committed the sale, then the device lost the reply.
	if err := fake.InsertSale(ctx, recs[0].ID, recs[0].SaleData); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(ctx, store, fake)
	if err != nil {
		t.Fatal(err)
	}
	res, err := reloaded.SyncAllPendingSales(ctx)
	if err != nil || res.Synced != 1 {
		t.Fatalf("replay = %+v, %v", res, err)
	}
	if got := len(fake.InsertOrder()); got != 1 {
		t.Errorf("remote has %d sales, want 1", got)
	}
}

// TestSyncAllPendingSales_scenarioB verifies a sale failing three times is
// frozen, kept, and not retried on a fourth flush.
func TestSyncAllPendingSales_scenarioB(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	recs := enqueueN(t, q, 2)
	bad := recs[0].ID

	fake.FailInsert = func(id string, attempt int) error {
		if id == bad {
			return fmt.Errorf("constraint violation on attempt %d", attempt)
		}
		return nil
	}

	for i := 1; i <= 3; i++ {
		res, err := q.SyncAllPendingSales(ctx)
		if err != nil {
			t.Fatalf("flush %d failed: %v", i, err)
		}
		if res.Failed != 1 {
			t.Errorf("flush %d Failed = %d, want 1", i, res.Failed)
		}
		if wantFrozen := i == 3; (res.Frozen == 1) != wantFrozen {
			t.Errorf("flush %d Frozen = %d", i, res.Frozen)
		}
	}

	rec, err := q.Get(bad)
	if err != nil {
		t.Fatalf("frozen sale missing from queue: %v", err)
	}
	if rec.SyncAttempts != models.MaxSyncAttempts || rec.Synced || !rec.Frozen() {
		t.Errorf("frozen record = %+v", rec)
	}
	if rec.LastError == nil || *rec.LastError == "" {
		t.Error("LastError not kept")
	}

	res, err := q.SyncAllPendingSales(ctx)
	if err != nil {
		t.Fatalf("fourth flush failed: %v", err)
	}
	if res != (FlushResult{}) {
		t.Errorf("fourth flush = %+v, want nothing attempted", res)
	}
	if got := fake.Attempts(bad); got != 3 {
		t.Errorf("remote attempts = %d, want 3", got)
	}
	if len(q.List()) != 1 {
		t.Error("frozen sale must remain visible in List()")
	}

	stats := q.GetStats()
	if stats.Frozen != 1 || stats.Pending != 0 || stats.Archived != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestSyncAllPendingSales_accountsForAll verifies every sale ends synced or
// frozen after enough flushes.
func TestSyncAllPendingSales_accountsForAll(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	recs := enqueueN(t, q, 10)

	fails := map[string]bool{recs[2].ID: true, recs[7].ID: true}
	fake.FailInsert = func(id string, attempt int) error {
		if fails[id] {
			return errors.New("rejected")
		}
		return nil
	}

	synced, frozen := 0, 0
	for i := 0; i < models.MaxSyncAttempts; i++ {
		res, err := q.SyncAllPendingSales(ctx)
		if err != nil {
			t.Fatal(err)
		}
		synced += res.Synced
		frozen += res.Frozen
	}

	if synced+frozen != len(recs) {
		t.Errorf("synced %d + frozen %d != %d", synced, frozen, len(recs))
	}
	for _, rec := range q.List() {
		if rec.SyncAttempts != models.MaxSyncAttempts {
			t.Errorf("remaining record %s has %d attempts", rec.ID, rec.SyncAttempts)
		}
	}
}

// TestSyncAllPendingSales_panicIsCaptured verifies a panicking remote is
// recorded as a failed attempt.
func TestSyncAllPendingSales_panicIsCaptured(t *testing.T) {
	q, _, fake := createTestQueue(t)
	recs := enqueueN(t, q, 1)
	fake.BeforeInsert = func(string) { panic("driver bug") }

	res, err := q.SyncAllPendingSales(context.Background())
	if err != nil {
		t.Fatalf("SyncAllPendingSales failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	rec, _ := q.Get(recs[0].ID)
	if rec.LastError == nil {
		t.Error("panic not recorded on the sale")
	}
}

// TestSyncAllPendingSales_concurrentEnqueue verifies enqueue proceeds while a
// flush is running and the new sale waits for the next flush.
func TestSyncAllPendingSales_concurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	enqueueN(t, q, 2)

	var late models.OfflineSaleRecord
	once := sync.Once{}
	fake.BeforeInsert = func(string) {
		once.Do(func() {
			var err error
			late, err = q.Enqueue(ctx, sale(99))
			if err != nil {
				t.Errorf("Enqueue during flush failed: %v", err)
			}
		})
	}

	res, err := q.SyncAllPendingSales(ctx)
	if err != nil || res.Synced != 2 {
		t.Fatalf("flush = %+v, %v", res, err)
	}
	if _, err := q.Get(late.ID); err != nil {
		t.Errorf("late sale should still be queued: %v", err)
	}

	res, _ = q.SyncAllPendingSales(ctx)
	if res.Synced != 1 {
		t.Errorf("second flush Synced = %d, want 1", res.Synced)
	}
}

// TestSyncAllPendingSales_cancelled verifies cancellation stops the flush
// without charging an attempt.
func TestSyncAllPendingSales_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q, _, fake := createTestQueue(t)
	enqueueN(t, q, 3)

	fake.BeforeInsert = func(string) { cancel() }
	fake.FailInsert = func(string, int) error { return context.Canceled }

	_, err := q.SyncAllPendingSales(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	for _, rec := range q.List() {
		if rec.SyncAttempts != 0 {
			t.Errorf("record %s charged %d attempts", rec.ID, rec.SyncAttempts)
		}
	}
}

// =====================================================
// Operator actions
// =====================================================

// TestRetryFailed verifies a frozen sale can be re-armed.
func TestRetryFailed(t *testing.T) {
	ctx := context.Background()
	q, _, fake := createTestQueue(t)
	recs := enqueueN(t, q, 2)

	if _, err := q.RetryFailed(ctx, recs[0].ID); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("RetryFailed on pending sale error = %v, want INVALID_INPUT", err)
	}
	if _, err := q.RetryFailed(ctx, "missing"); !apperrors.Is(err, apperrors.ErrSaleNotFound) {
		t.Errorf("RetryFailed on missing sale error = %v, want SALE_NOT_FOUND", err)
	}

	broken := true
	fake.FailInsert = func(id string, _ int) error {
		if broken && id == recs[0].ID {
			return errors.New("rejected")
		}
		return nil
	}
	for i := 0; i < models.MaxSyncAttempts; i++ {
		q.SyncAllPendingSales(ctx)
	}

	rec, err := q.RetryFailed(ctx, recs[0].ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if rec.SyncAttempts != 0 || rec.LastError != nil {
		t.Errorf("reset record = %+v", rec)
	}

	broken = false
	res, err := q.SyncAllPendingSales(ctx)
	if err != nil || res.Synced != 1 {
		t.Errorf("flush after retry = %+v, %v", res, err)
	}
}

// TestRemove verifies an operator can discard a sale.
func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, store, fake := createTestQueue(t)
	recs := enqueueN(t, q, 2)

	if err := q.Remove(ctx, recs[0].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := q.Remove(ctx, recs[0].ID); !apperrors.Is(err, apperrors.ErrSaleNotFound) {
		t.Errorf("second Remove error = %v, want SALE_NOT_FOUND", err)
	}

	reloaded, _ := New(ctx, store, fake)
	if got := len(reloaded.List()); got != 1 {
		t.Errorf("persisted records = %d, want 1", got)
	}
}

// TestArchive_capped verifies the archive keeps only the newest records.
func TestArchive_capped(t *testing.T) {
	ctx := context.Background()
	q, _, _ := createTestQueue(t, WithArchiveSize(2))
	recs := enqueueN(t, q, 3)

	if _, err := q.SyncAllPendingSales(ctx); err != nil {
		t.Fatal(err)
	}

	archived := q.ListArchived()
	if len(archived) != 2 || archived[0].ID != recs[1].ID || archived[1].ID != recs[2].ID {
		t.Errorf("archive = %+v", archived)
	}
}
