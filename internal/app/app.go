// Package app assembles the sync components from configuration.
package app

import (
	"context"

	"github.com/kimhsiao/possync/backend/internal/clock"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/logging"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
	"github.com/kimhsiao/possync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/possync/backend/internal/sync/snapshot"
	"github.com/kimhsiao/possync/backend/internal/sync/verify"
	"github.com/kimhsiao/possync/backend/internal/telemetry"
)

// Deps are the pluggable capabilities an App is built on.
type Deps struct {
	Store   kvstore.Store
	Remote  remote.Store
	Probe   connectivity.Probe
	Clock   clock.Clock
	Metrics *telemetry.Metrics
	Catalog *config.Catalog
}

// App holds the wired sync components.
type App struct {
	Config  *config.Config
	Catalog *config.Catalog
	Metrics *telemetry.Metrics
	Store   kvstore.Store
	Remote  remote.Store
	Probe   connectivity.Probe
	Clock   clock.Clock

	Snapshots *snapshot.Downloader
	Queue     *queue.Queue
	Verifier  *verify.Verifier
	Scheduler *scheduler.Scheduler

	poller  *connectivity.Poller
	closers []func() error
}

// New wires the components over deps. Missing clock, probe and catalog
// fall back to the wall clock, an always-online probe and the default catalog.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if deps.Store == nil || deps.Remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "app requires a local store and a remote store")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Probe == nil {
		deps.Probe = connectivity.NewManual(true)
	}
	if deps.Catalog == nil {
		deps.Catalog = config.DefaultCatalog()
	}

	snapshots, err := snapshot.NewDownloader(deps.Store, deps.Remote, deps.Catalog.SnapshotConfig(),
		snapshot.WithClock(deps.Clock),
		snapshot.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, err
	}

	q, err := queue.New(ctx, deps.Store, deps.Remote,
		queue.WithProbe(deps.Probe),
		queue.WithClock(deps.Clock),
		queue.WithMetrics(deps.Metrics),
		queue.WithMaxSize(cfg.Sync.QueueMaxSize),
		queue.WithArchiveSize(cfg.Sync.ArchiveSize),
	)
	if err != nil {
		return nil, err
	}

	verifier := verify.New(snapshots, deps.Remote, deps.Metrics)

	sched := scheduler.New(scheduler.Deps{
		Queue:     q,
		Snapshots: snapshots,
		Verifier:  verifier,
		Probe:     deps.Probe,
		Clock:     deps.Clock,
		Metrics:   deps.Metrics,
	}, scheduler.Config{
		SyncInterval:    cfg.Sync.Interval,
		SyncOnReconnect: cfg.Sync.SyncOnReconnect,
	})

	return &App{
		Config:    cfg,
		Catalog:   deps.Catalog,
		Metrics:   deps.Metrics,
		Store:     deps.Store,
		Remote:    deps.Remote,
		Probe:     deps.Probe,
		Clock:     deps.Clock,
		Snapshots: snapshots,
		Queue:     q,
		Verifier:  verifier,
		Scheduler: sched,
	}, nil
}

// Open builds the configured local store, remote store and ping probe, then
// wires them with New. The remote store is not contacted here.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.Sync.CatalogPath)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := kvstore.Open(cfg.Store.KV())
	if err != nil {
		return nil, err
	}

	rs, err := remote.Open(ctx, cfg.Remote.Store())
	if err != nil {
		closeStore()
		return nil, err
	}
	if err := catalog.ApplyKeys(rs); err != nil {
		rs.Close()
		closeStore()
		return nil, err
	}

	poller := connectivity.NewPoller(rs, cfg.Connectivity.PingInterval, cfg.Connectivity.PingTimeout)
	metrics := telemetry.New()

	a, err := New(ctx, cfg, Deps{
		Store:   store,
		Remote:  rs,
		Probe:   poller,
		Metrics: metrics,
		Catalog: catalog,
	})
	if err != nil {
		rs.Close()
		closeStore()
		return nil, err
	}
	a.poller = poller
	a.closers = append(a.closers, closeStore, rs.Close)

	if cfg.Remote.EnsureSalesTable {
		if err := rs.EnsureSalesTable(ctx); err != nil {
			logging.Warn("Could not ensure remote sales table", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Info("Sync components ready", map[string]interface{}{
		"store":  cfg.Store.Backend,
		"remote": cfg.Remote.Driver,
		"tables": len(catalog.Tables),
	})
	return a, nil
}

// Start begins connectivity polling and, when configured, auto sync.
func (a *App) Start(ctx context.Context) {
	if a.poller != nil {
		a.poller.Start(ctx)
	}
	if a.Config.Sync.AutoStart {
		a.Scheduler.StartAutoSync(ctx)
	}
}

// CheckConnectivity pings the remote once when a ping probe is configured and
// reports whether the probe considers the remote reachable.
func (a *App) CheckConnectivity(ctx context.Context) bool {
	if a.poller != nil {
		return a.poller.Check(ctx)
	}
	return a.Probe.IsOnline()
}

// Close stops background work and releases the stores.
func (a *App) Close() error {
	a.Scheduler.StopAutoSync()
	a.Scheduler.Wait()
	if a.poller != nil {
		a.poller.Stop()
	}

	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
