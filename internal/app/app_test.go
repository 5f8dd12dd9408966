package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/backend/internal/clock"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/remote/remotetest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Sync.AutoStart = false
	return cfg
}

func TestNew_requiresStores(t *testing.T) {
	_, err := New(context.Background(), testConfig(t), Deps{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestNew_wiresComponents(t *testing.T) {
	ctx := context.Background()
	fake := remotetest.New()
	fake.SeedTable("products", 3)
	probe := connectivity.NewManual(true)

	a, err := New(ctx, testConfig(t), Deps{
		Store:   kvstore.NewMemoryStore(),
		Remote:  fake,
		Probe:   probe,
		Clock:   clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
		Catalog: &config.Catalog{Tables: []string{"products"}, BatchSize: 2},
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Queue.Enqueue(ctx, json.RawMessage(`{"total":3}`))
	require.NoError(t, err)

	report, err := a.Scheduler.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SalesSynced)
	assert.True(t, report.DownloadSuccess)
	assert.True(t, report.VerificationOK)
	assert.Equal(t, map[string]int{"products": 3}, report.CountsByEntity)
	assert.Equal(t, []string{"products"}, a.Snapshots.Tables())
}

func TestStart_autoStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.AutoStart = true

	a, err := New(context.Background(), cfg, Deps{
		Store:  kvstore.NewMemoryStore(),
		Remote: remotetest.New(),
		Clock:  clock.NewManual(time.Now()),
	})
	require.NoError(t, err)

	a.Start(context.Background())
	assert.Equal(t, models.StateRunning, a.Scheduler.Status().State)

	require.NoError(t, a.Close())
	assert.Equal(t, models.StateStopped, a.Scheduler.Status().State)
}

// TestNew_snapshotLeavesRoomForSales fills the snapshot share of the budget
// and then records a sale. Without the queue reserve both tables fit and the
// sale would not.
func TestNew_snapshotLeavesRoomForSales(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Backend = kvstore.BackendMemory
	cfg.Store.BudgetBytes = 10000
	cfg.Store.QueueReserveBytes = 3000

	store, closeStore, err := kvstore.Open(cfg.Store.KV())
	require.NoError(t, err)
	defer closeStore()

	fake := remotetest.New()
	fake.SeedTable("customers", 100)
	fake.SeedTable("products", 150)

	a, err := New(ctx, cfg, Deps{
		Store:   store,
		Remote:  fake,
		Probe:   connectivity.NewManual(false),
		Clock:   clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
		Catalog: &config.Catalog{Tables: []string{"customers", "products"}, BatchSize: 50},
	})
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Snapshots.DownloadFullDatabase(ctx, nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageQuotaExceeded))
	assert.Equal(t, []string{"products"}, res.FailedTables())
	assert.Equal(t, 100, res.CountsByEntity["customers"])

	used, err := store.EstimateUsedBytes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, used, cfg.Store.BudgetBytes-cfg.Store.QueueReserveBytes)

	sale := json.RawMessage(`{"note":"` + strings.Repeat("x", 2000) + `"}`)
	rec, err := a.Queue.Enqueue(ctx, sale)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Queue.GetStats().Pending)
	assert.Equal(t, int64(1), rec.Seq)
}

// TestOpen_sqliteRemote opens the full stack against a sqlite file acting
// as the remote database.
func TestOpen_sqliteRemote(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	remotePath := filepath.Join(dir, "remote.db")

	seed, err := remote.Open(ctx, remote.Config{Driver: "sqlite", DSN: remotePath})
	require.NoError(t, err)
	_, err = seed.DB().ExecContext(ctx, `CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = seed.DB().ExecContext(ctx, `INSERT INTO products (name) VALUES ('tea'), ('cake')`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte("tables: [products]\nkeys:\n  products: [id]\n"), 0o600))

	cfg := testConfig(t)
	cfg.Store.DataDir = filepath.Join(dir, "local")
	cfg.Remote.Driver = "sqlite"
	cfg.Remote.DSN = remotePath
	cfg.Remote.EnsureSalesTable = true
	cfg.Sync.CatalogPath = catalogPath

	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	a.Start(ctx)
	require.True(t, a.Probe.IsOnline(), "first ping runs during Start")

	_, err = a.Queue.Enqueue(ctx, json.RawMessage(`{"total":9.5}`))
	require.NoError(t, err)

	report, err := a.Scheduler.SyncNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.SalesSynced)
	assert.Equal(t, 2, report.CountsByEntity["products"])

	rows, err := a.Snapshots.LoadTable(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestOpen_unknownKeyColumn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	remotePath := filepath.Join(dir, "remote.db")

	seed, err := remote.Open(ctx, remote.Config{Driver: "sqlite", DSN: remotePath})
	require.NoError(t, err)
	_, err = seed.DB().ExecContext(ctx, `CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte("tables: [products]\nkeys:\n  products: [sku]\n"), 0o600))

	cfg := testConfig(t)
	cfg.Store.DataDir = filepath.Join(dir, "local")
	cfg.Remote.Driver = "sqlite"
	cfg.Remote.DSN = remotePath
	cfg.Sync.CatalogPath = catalogPath

	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	// The configured key is used verbatim, so a missing column fails the table.
	res, err := a.Snapshots.DownloadFullDatabase(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, res.FailedTables())
}

func TestOpen_badCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Open(context.Background(), cfg)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
