// Package remote is the client side of the remote relational store: paged
// reads of reference tables and idempotent sale inserts.
package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// Row is one remote record keyed by column name.
type Row map[string]any

// Store is the remote data API the sync core depends on.
type Store interface {
	// FetchPage reads up to limit rows of table starting at offset, in a
	// stable order.
	FetchPage(ctx context.Context, table string, offset, limit int) ([]Row, error)

	// CountRows returns the number of rows currently in table.
	CountRows(ctx context.Context, table string) (int, error)

	// InsertSale writes a sale keyed by id. Inserting an id that already
	// exists succeeds without creating a second row.
	InsertSale(ctx context.Context, id string, payload []byte) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Config holds connection settings for the remote store.
type Config struct {
	Driver       string // mysql, postgres or sqlite
	DSN          string
	SalesTable   string
	MaxOpenConns int
}

// Open connects to the remote store described by cfg.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("open %s", d.name), err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewSQLStore(db, cfg.Driver, cfg.SalesTable)
	if err != nil {
		db.Close()
		return nil, err
	}

	logging.Info("Remote store configured", map[string]interface{}{
		"driver":      d.name,
		"sales_table": store.salesTable,
	})
	return store, nil
}
