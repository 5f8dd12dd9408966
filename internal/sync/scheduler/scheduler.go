// Package scheduler runs sync cycles in the background and on demand.
//
// A cycle flushes the offline sale queue, refreshes the snapshot and verifies
// it. Timer ticks and manual SyncNow calls share one gate, so at most one
// cycle is in flight. Time and connectivity are injected, which lets tests
// drive the scheduler with a manual clock and probe.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/possync/backend/internal/clock"
	"github.com/kimhsiao/possync/backend/internal/connectivity"
	"github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/logging"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
	"github.com/kimhsiao/possync/backend/internal/sync/snapshot"
	"github.com/kimhsiao/possync/backend/internal/sync/verify"
	"github.com/kimhsiao/possync/backend/internal/telemetry"
)

// Cycle triggers.
const (
	TriggerTimer     = "timer"
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
)

// DefaultSyncInterval is used when Config.SyncInterval is zero.
const DefaultSyncInterval = 30 * time.Minute

// QueueFlusher replays offline sales.
type QueueFlusher interface {
	SyncAllPendingSales(ctx context.Context) (queue.FlushResult, error)
}

// SnapshotRefresher downloads reference tables.
type SnapshotRefresher interface {
	DownloadFullDatabase(ctx context.Context, onProgress snapshot.ProgressFunc) (*snapshot.Result, error)
}

// DataVerifier compares local and remote counts.
type DataVerifier interface {
	VerifyAllData(ctx context.Context) verify.Report
}

// Listener receives status snapshots.
type Listener func(models.SyncStatus)

// ProgressListener receives snapshot download progress during a cycle.
type ProgressListener func(models.Progress)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Queue     QueueFlusher
	Snapshots SnapshotRefresher
	Verifier  DataVerifier
	Probe     connectivity.Probe
	Clock     clock.Clock
	Metrics   *telemetry.Metrics
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval time.Duration // Period between timer-driven cycles
	// SyncOnReconnect runs a cycle when the probe reports the device came
	// back online while auto sync is running.
	SyncOnReconnect bool
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    DefaultSyncInterval,
		SyncOnReconnect: true,
	}
}

// Scheduler coordinates sync cycles.
type Scheduler struct {
	deps Deps
	cfg  Config

	mu          sync.Mutex
	autoSync    bool
	isSyncing   bool
	interval    time.Duration
	timer       clock.Timer
	generation  uint64
	baseCtx     context.Context
	nextSync    *time.Time
	lastSync    *time.Time
	lastSuccess bool
	lastErr     *string
	lastCycle   *models.CycleReport
	unsubProbe  func()

	listenersMu    sync.Mutex
	nextListenerID uint64
	listeners      map[uint64]Listener
	progress       map[uint64]ProgressListener

	wg sync.WaitGroup // in-flight background cycles
}

// New creates a Scheduler in the stopped state.
func New(deps Deps, cfg Config) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Probe == nil {
		deps.Probe = connectivity.NewManual(true)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	return &Scheduler{
		deps:      deps,
		cfg:       cfg,
		interval:  cfg.SyncInterval,
		baseCtx:   context.Background(),
		listeners: make(map[uint64]Listener),
		progress:  make(map[uint64]ProgressListener),
	}
}

// =====================================================
// Lifecycle
// =====================================================

// StartAutoSync arms the periodic timer. Calling it while running is a no-op.
// ctx is the parent of every timer-driven cycle.
func (s *Scheduler) StartAutoSync(ctx context.Context) {
	s.mu.Lock()
	if s.autoSync {
		s.mu.Unlock()
		return
	}
	s.autoSync = true
	s.baseCtx = ctx
	s.armLocked()
	if s.cfg.SyncOnReconnect {
		s.unsubProbe = s.deps.Probe.OnChange(s.onConnectivityChange)
	}
	interval := s.interval
	s.mu.Unlock()

	logging.Info("Auto sync started", map[string]interface{}{
		"interval_ms": interval.Milliseconds(),
	})
	s.publish()
}

// StopAutoSync disarms the timer. A cycle already in flight runs to completion.
func (s *Scheduler) StopAutoSync() {
	s.mu.Lock()
	if !s.autoSync {
		s.mu.Unlock()
		return
	}
	s.autoSync = false
	s.disarmLocked()
	s.nextSync = nil
	unsub := s.unsubProbe
	s.unsubProbe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	logging.Info("Auto sync stopped", nil)
	s.publish()
}

// SetSyncInterval changes the period. When running, the next tick is
// rescheduled one full interval from now.
func (s *Scheduler) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		return errors.Newf(errors.ErrInvalid, "sync interval must be positive, got %v", d)
	}

	s.mu.Lock()
	s.interval = d
	if s.autoSync {
		s.disarmLocked()
		s.armLocked()
	}
	s.mu.Unlock()

	logging.Info("Sync interval changed", map[string]interface{}{"interval_ms": d.Milliseconds()})
	s.publish()
	return nil
}

// Wait blocks until background cycles started so far have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// armLocked schedules the next tick. s.mu must be held.
func (s *Scheduler) armLocked() {
	s.generation++
	gen := s.generation
	next := s.deps.Clock.Now().Add(s.interval)
	s.nextSync = &next
	s.timer = s.deps.Clock.AfterFunc(s.interval, func() { s.onTick(gen) })
}

// disarmLocked cancels the pending tick. s.mu must be held.
func (s *Scheduler) disarmLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// =====================================================
// Triggers
// =====================================================

// onTick handles one timer expiry. Ticks from a superseded timer are ignored.
func (s *Scheduler) onTick(gen uint64) {
	s.mu.Lock()
	if !s.autoSync || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.armLocked()

	if !s.deps.Probe.IsOnline() {
		s.mu.Unlock()
		logging.Debug("Skipping sync tick - device is offline", nil)
		s.deps.Metrics.CycleSkipped("offline")
		s.publish()
		return
	}
	if s.isSyncing {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping tick", nil)
		s.deps.Metrics.CycleSkipped("busy")
		return
	}
	s.isSyncing = true
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.runCycle(ctx, TriggerTimer)
}

// onConnectivityChange runs a cycle when the device reconnects.
func (s *Scheduler) onConnectivityChange(online bool) {
	s.mu.Lock()
	if !online || !s.autoSync || s.isSyncing {
		s.mu.Unlock()
		s.publish()
		return
	}
	s.isSyncing = true
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	logging.Info("Connectivity restored, starting sync", nil)
	go func() {
		defer s.wg.Done()
		s.runCycle(ctx, TriggerReconnect)
	}()
}

// SyncNow runs one cycle on the calling goroutine and returns its report.
// It returns a SYNC_IN_PROGRESS error without running when a cycle is
// already in flight, and NETWORK_UNAVAILABLE when the device is offline.
// Failures inside the cycle are reported in the CycleReport and status.
func (s *Scheduler) SyncNow(ctx context.Context) (*models.CycleReport, error) {
	if !s.deps.Probe.IsOnline() {
		return nil, errors.New(errors.ErrNetworkUnavailable, "device is offline")
	}

	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a sync cycle is already running")
	}
	s.isSyncing = true
	s.mu.Unlock()

	report := s.runCycle(ctx, TriggerManual)
	return &report, nil
}

// =====================================================
// Cycle
// =====================================================

// runCycle executes flush, download and verification. The caller must have
// set isSyncing; runCycle clears it.
func (s *Scheduler) runCycle(ctx context.Context, trigger string) (report models.CycleReport) {
	start := s.deps.Clock.Now()
	report = models.CycleReport{Trigger: trigger, StartedAt: start}

	logging.Info("Sync cycle started", map[string]interface{}{"trigger": trigger})
	s.publish()

	defer func() {
		if r := recover(); r != nil {
			err := errors.Newf(errors.ErrSyncFailed, "sync cycle panicked: %v", r)
			logging.ErrorWithCode("Sync cycle panicked", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"trigger": trigger})
			report.Errors = append(report.Errors, err.Error())
		}
		s.finishCycle(&report, start)
	}()

	s.flushQueue(ctx, &report)
	s.refreshSnapshot(ctx, &report)
	s.verifySnapshot(ctx, &report)
	return report
}

func (s *Scheduler) flushQueue(ctx context.Context, report *models.CycleReport) {
	if s.deps.Queue == nil {
		return
	}
	res, err := s.deps.Queue.SyncAllPendingSales(ctx)
	report.SalesSynced = res.Synced
	report.SalesFailed = res.Failed
	report.SalesFrozen = res.Frozen
	if err != nil {
		logging.ErrorWithCode("Queue flush failed", string(errors.CodeOf(err)), err, nil)
		report.Errors = append(report.Errors, "queue: "+err.Error())
	}
}

func (s *Scheduler) refreshSnapshot(ctx context.Context, report *models.CycleReport) {
	if s.deps.Snapshots == nil {
		report.DownloadSuccess = true
		return
	}
	res, err := s.deps.Snapshots.DownloadFullDatabase(ctx, s.forwardProgress)
	if res == nil {
		if err != nil {
			report.Errors = append(report.Errors, "snapshot: "+err.Error())
		}
		return
	}
	report.DownloadSuccess = res.Success
	report.CountsByEntity = res.CountsByEntity
	report.FailedTables = res.FailedTables()
	if !res.Success {
		report.Errors = append(report.Errors, "snapshot: "+res.Error)
	}
}

func (s *Scheduler) verifySnapshot(ctx context.Context, report *models.CycleReport) {
	if s.deps.Verifier == nil {
		report.VerificationOK = true
		return
	}
	v := s.deps.Verifier.VerifyAllData(ctx)
	report.VerificationOK = v.AllOK
	report.VerificationNote = v.Summary
}

// finishCycle records the outcome, reopens the gate and notifies listeners.
func (s *Scheduler) finishCycle(report *models.CycleReport, start time.Time) {
	now := s.deps.Clock.Now()
	duration := now.Sub(start)
	report.DurationMs = duration.Milliseconds()
	success := len(report.Errors) == 0

	s.mu.Lock()
	s.isSyncing = false
	s.lastSync = &now
	s.lastSuccess = success
	if success {
		s.lastErr = nil
	} else {
		msg := summarize(report.Errors)
		s.lastErr = &msg
	}
	r := *report
	s.lastCycle = &r
	s.mu.Unlock()

	s.deps.Metrics.ObserveCycle(report.Trigger, success, duration)
	logging.Info("Sync cycle finished", map[string]interface{}{
		"trigger":      report.Trigger,
		"success":      success,
		"duration_ms":  report.DurationMs,
		"sales_synced": report.SalesSynced,
		"sales_failed": report.SalesFailed,
		"verified":     report.VerificationOK,
	})
	s.publish()
}

func summarize(errs []string) string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d more)", errs[0], len(errs)-1)
}

// =====================================================
// Status and subscriptions
// =====================================================

// Status returns the current status.
func (s *Scheduler) Status() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// IsSyncing reports whether a cycle is in flight.
func (s *Scheduler) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

func (s *Scheduler) statusLocked() models.SyncStatus {
	st := models.SyncStatus{
		State:           models.StateStopped,
		IsSyncing:       s.isSyncing,
		IsOnline:        s.deps.Probe.IsOnline(),
		LastSyncTime:    s.lastSync,
		LastSyncSuccess: s.lastSuccess,
		NextSyncTime:    s.nextSync,
		SyncIntervalMs:  s.interval.Milliseconds(),
		Error:           s.lastErr,
		LastCycle:       s.lastCycle,
	}
	switch {
	case s.isSyncing:
		st.State = models.StateSyncing
	case s.autoSync:
		st.State = models.StateRunning
	}
	return st.Clone()
}

// Subscribe registers a status listener. Listeners are called synchronously,
// in registration order, after every cycle and status-affecting call. The
// returned func removes the listener and is safe to call more than once.
func (s *Scheduler) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextListenerID++
	id := s.nextListenerID
	s.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// SubscribeProgress registers a listener for snapshot progress.
func (s *Scheduler) SubscribeProgress(l ProgressListener) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextListenerID++
	id := s.nextListenerID
	s.progress[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.progress, id)
			s.listenersMu.Unlock()
		})
	}
}

// publish sends the current status to every listener. A panicking listener
// is logged and does not affect the others.
func (s *Scheduler) publish() {
	status := s.Status()

	s.listenersMu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = s.listeners[id]
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		callListener(l, status.Clone())
	}
}

func (s *Scheduler) forwardProgress(p models.Progress) {
	s.listenersMu.Lock()
	ids := make([]uint64, 0, len(s.progress))
	for id := range s.progress {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]ProgressListener, len(ids))
	for i, id := range ids {
		listeners[i] = s.progress[id]
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Warn("Progress listener panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
				}
			}()
			l(p)
		}()
	}
}

func callListener(l Listener, status models.SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Status listener panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()
	l(status)
}
