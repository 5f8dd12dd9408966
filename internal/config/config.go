// Package config loads possync settings from the environment and the
// reference-table catalog from YAML.
package config

import (
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/kvstore"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
)

// EnvPrefix prefixes every environment variable, e.g. POSSYNC_SYNC_INTERVAL.
const EnvPrefix = "POSSYNC"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Store        StoreConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:"127.0.0.1:8090"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
}

// StoreConfig selects and sizes the local key-value store.
type StoreConfig struct {
	Backend     string `envconfig:"BACKEND" default:"sqlite"` // memory, sqlite or redis
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	BudgetBytes int64  `envconfig:"BUDGET_BYTES" default:"5242880"`
	// QueueReserveBytes of the budget only the offline queue may use.
	QueueReserveBytes int64  `envconfig:"QUEUE_RESERVE_BYTES" default:"1048576"`
	RedisAddr         string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword     string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB           int    `envconfig:"REDIS_DB" default:"0"`
	RedisKey          string `envconfig:"REDIS_KEY" default:"possync:kv"`
}

// RemoteConfig describes the remote database.
type RemoteConfig struct {
	Driver       string `envconfig:"DRIVER" default:"mysql"` // mysql, postgres or sqlite
	DSN          string `envconfig:"DSN" default:""`
	SalesTable   string `envconfig:"SALES_TABLE" default:"pos_sales"`
	MaxOpenConns int    `envconfig:"MAX_OPEN_CONNS" default:"4"`
	// EnsureSalesTable creates the sales table on startup when missing.
	EnsureSalesTable bool `envconfig:"ENSURE_SALES_TABLE" default:"false"`
}

// SyncConfig holds scheduler and queue settings.
type SyncConfig struct {
	Interval        time.Duration `envconfig:"INTERVAL" default:"30m"`
	AutoStart       bool          `envconfig:"AUTO_START" default:"true"`
	SyncOnReconnect bool          `envconfig:"ON_RECONNECT" default:"true"`
	CatalogPath     string        `envconfig:"CATALOG" default:""`
	QueueMaxSize    int           `envconfig:"QUEUE_MAX_SIZE" default:"10000"`
	ArchiveSize     int           `envconfig:"ARCHIVE_SIZE" default:"200"`
}

// ConnectivityConfig controls the remote ping probe.
type ConnectivityConfig struct {
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	PingTimeout  time.Duration `envconfig:"PING_TIMEOUT" default:"5s"`
}

// KV converts the section into kvstore options.
func (s *StoreConfig) KV() kvstore.Config {
	return kvstore.Config{
		Backend:       s.Backend,
		DataDir:       s.DataDir,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		RedisKey:      s.RedisKey,
		BudgetBytes:   s.BudgetBytes,
		ReservePrefix: queue.KeyPrefix,
		ReserveBytes:  s.QueueReserveBytes,
	}
}

// Store converts the section into remote options.
func (r *RemoteConfig) Store() remote.Config {
	return remote.Config{
		Driver:       r.Driver,
		DSN:          r.DSN,
		SalesTable:   r.SalesTable,
		MaxOpenConns: r.MaxOpenConns,
	}
}

// Load reads .env files (a missing default .env is ignored) and then the
// environment. Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read env file", err)
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case kvstore.BackendMemory, kvstore.BackendSQLite, kvstore.BackendRedis:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown store backend %q", c.Store.Backend)
	}
	if c.Store.BudgetBytes < 0 {
		return apperrors.New(apperrors.ErrInvalid, "store budget must not be negative")
	}
	if c.Store.QueueReserveBytes < 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue reserve must not be negative")
	}
	if c.Store.BudgetBytes > 0 && c.Store.QueueReserveBytes >= c.Store.BudgetBytes {
		return apperrors.Newf(apperrors.ErrInvalid, "queue reserve %d must be below the store budget %d",
			c.Store.QueueReserveBytes, c.Store.BudgetBytes)
	}
	if !remote.SupportedDriver(c.Remote.Driver) {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown remote driver %q", c.Remote.Driver)
	}
	if err := remote.ValidateIdentifier(c.Remote.SalesTable); err != nil {
		return err
	}
	if c.Sync.Interval <= 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "sync interval must be positive, got %v", c.Sync.Interval)
	}
	if c.Sync.QueueMaxSize <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue max size must be positive")
	}
	return nil
}

// PrintUsage writes the recognised variables and their defaults to w.
func PrintUsage(w io.Writer) error {
	var cfg Config
	return envconfig.Usagef(EnvPrefix, &cfg, w, envconfig.DefaultTableFormat)
}
