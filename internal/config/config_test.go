package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/sync/snapshot"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, int64(5<<20), cfg.Store.BudgetBytes)
	assert.Equal(t, int64(1<<20), cfg.Store.QueueReserveBytes)
	assert.Equal(t, "mysql", cfg.Remote.Driver)
	assert.Equal(t, "pos_sales", cfg.Remote.SalesTable)
	assert.Equal(t, 30*time.Minute, cfg.Sync.Interval)
	assert.True(t, cfg.Sync.AutoStart)
	assert.True(t, cfg.Sync.SyncOnReconnect)
	assert.Equal(t, 10000, cfg.Sync.QueueMaxSize)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.PingInterval)
}

func TestLoad_environment(t *testing.T) {
	t.Setenv("POSSYNC_SERVER_ADDR", ":9000")
	t.Setenv("POSSYNC_STORE_BACKEND", "memory")
	t.Setenv("POSSYNC_STORE_BUDGET_BYTES", "1024")
	t.Setenv("POSSYNC_STORE_QUEUE_RESERVE_BYTES", "256")
	t.Setenv("POSSYNC_REMOTE_DRIVER", "postgres")
	t.Setenv("POSSYNC_REMOTE_DSN", "postgres://pos@db/pos?sslmode=disable")
	t.Setenv("POSSYNC_SYNC_INTERVAL", "5m")
	t.Setenv("POSSYNC_SYNC_AUTO_START", "false")
	t.Setenv("POSSYNC_SERVER_CORS_ORIGINS", "http://till.local,http://back.office")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"http://till.local", "http://back.office"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, int64(1024), cfg.Store.BudgetBytes)
	assert.Equal(t, "postgres", cfg.Remote.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.False(t, cfg.Sync.AutoStart)

	kv := cfg.Store.KV()
	assert.Equal(t, "memory", kv.Backend)
	assert.Equal(t, int64(1024), kv.BudgetBytes)
	assert.Equal(t, "queue:", kv.ReservePrefix)
	assert.Equal(t, int64(256), kv.ReserveBytes)
	rc := cfg.Remote.Store()
	assert.Equal(t, "postgres://pos@db/pos?sslmode=disable", rc.DSN)
}

func TestLoad_envFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "possync.env")
	require.NoError(t, os.WriteFile(path, []byte("POSSYNC_REMOTE_SALES_TABLE=till_sales\nPOSSYNC_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("POSSYNC_REMOTE_SALES_TABLE")
	})
	// Set explicitly so the environment wins over the file.
	t.Setenv("POSSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "till_sales", cfg.Remote.SalesTable)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_missingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparsable duration", "POSSYNC_SYNC_INTERVAL", "soon"},
		{"zero interval", "POSSYNC_SYNC_INTERVAL", "0s"},
		{"unknown backend", "POSSYNC_STORE_BACKEND", "etcd"},
		{"unknown driver", "POSSYNC_REMOTE_DRIVER", "oracle"},
		{"bad sales table", "POSSYNC_REMOTE_SALES_TABLE", "sales; DROP"},
		{"negative budget", "POSSYNC_STORE_BUDGET_BYTES", "-1"},
		{"negative queue reserve", "POSSYNC_STORE_QUEUE_RESERVE_BYTES", "-1"},
		{"queue reserve fills budget", "POSSYNC_STORE_QUEUE_RESERVE_BYTES", "5242880"},
		{"zero queue", "POSSYNC_SYNC_QUEUE_MAX_SIZE", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintUsage(&buf))
	assert.Contains(t, buf.String(), "POSSYNC_SYNC_INTERVAL")
	assert.Contains(t, buf.String(), "POSSYNC_STORE_BACKEND")
}

// =====================================================
// Catalog
// =====================================================

func TestLoadCatalog_default(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, snapshot.DefaultTables, c.Tables)
	assert.Equal(t, snapshot.DefaultBatchSize, c.BatchSize)

	c.Tables[0] = "mutated"
	assert.NotEqual(t, "mutated", snapshot.DefaultTables[0])
}

func TestLoadCatalog_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 250\ntables:\n  - products\n  - loyalty_tiers\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"products", "loyalty_tiers"}, c.Tables)

	sc := c.SnapshotConfig()
	assert.Equal(t, 250, sc.BatchSize)
	assert.Equal(t, c.Tables, sc.Tables)
}

func TestParseCatalog_defaultsBatchSize(t *testing.T) {
	c, err := ParseCatalog([]byte("tables: [products]\n"))
	require.NoError(t, err)
	assert.Equal(t, snapshot.DefaultBatchSize, c.BatchSize)
}

func TestParseCatalog_invalid(t *testing.T) {
	tests := map[string]string{
		"empty":          "tables: []\n",
		"unknown key":    "tables: [products]\nbatchsize: 10\n",
		"bad identifier": "tables: [\"products; drop\"]\n",
		"duplicate":      "tables: [products, products]\n",
		"negative batch": "batch_size: -5\ntables: [products]\n",
		"not yaml":       "tables: [products\n",
		"unlisted keys":  "tables: [products]\nkeys:\n  customers: [id]\n",
		"empty keys":     "tables: [products]\nkeys:\n  products: []\n",
		"bad key column": "tables: [products]\nkeys:\n  products: [\"id; drop\"]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)
		})
	}
}

func TestParseCatalog_keys(t *testing.T) {
	c, err := ParseCatalog([]byte("tables: [products, stock]\nkeys:\n  stock: [store_id, sku]\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"stock": {"store_id", "sku"}}, c.Keys)
}

func TestLoadCatalog_missingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
