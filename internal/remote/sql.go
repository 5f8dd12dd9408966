package remote

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
)

// DefaultSalesTable receives replayed offline sales.
const DefaultSalesTable = "pos_sales"

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db         *sql.DB
	dialect    dialect
	salesTable string

	mu sync.Mutex
	// orderKeys holds the ORDER BY columns per table, configured or
	// discovered on first fetch.
	orderKeys map[string][]string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle for the named driver.
func NewSQLStore(db *sql.DB, driver, salesTable string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if salesTable == "" {
		salesTable = DefaultSalesTable
	}
	if err := ValidateIdentifier(salesTable); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d, salesTable: salesTable, orderKeys: make(map[string][]string)}, nil
}

// SetOrderKeys pages table by the given columns, which must identify a row.
// Tables without keys are paged by all of their columns.
func (s *SQLStore) SetOrderKeys(table string, columns ...string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	if len(columns) == 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "order keys for %s must not be empty", table)
	}
	for _, c := range columns {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderKeys[table] = append([]string(nil), columns...)
	return nil
}

// orderColumns returns the ORDER BY columns for table.
func (s *SQLStore) orderColumns(ctx context.Context, table string) ([]string, error) {
	s.mu.Lock()
	cols, ok := s.orderKeys[table]
	s.mu.Unlock()
	if ok {
		return cols, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+s.dialect.quote(table)+" WHERE 1=0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err = rows.Columns()
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if err := ValidateIdentifier(c); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid,
				fmt.Sprintf("cannot page %s by all columns, configure order keys", table), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orderKeys[table]; ok {
		return existing, nil
	}
	s.orderKeys[table] = cols
	return cols, nil
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// FetchPage reads one page of table in a total order, so consecutive pages
// neither repeat nor skip rows.
func (s *SQLStore) FetchPage(ctx context.Context, table string, offset, limit int) ([]Row, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "page limit must be positive, got %d", limit)
	}

	order, err := s.orderColumns(ctx, table)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalid) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrPartialFetchFailure, fmt.Sprintf("fetch %s", table), err)
	}

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %s OFFSET %s",
		s.dialect.quote(table), joinColumns(s.dialect.quote, order),
		s.dialect.placeholder(1), s.dialect.placeholder(2))

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPartialFetchFailure, fmt.Sprintf("fetch %s", table), err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPartialFetchFailure, fmt.Sprintf("scan %s", table), err)
	}
	return result, nil
}

// CountRows returns the row count of table.
func (s *SQLStore) CountRows(ctx context.Context, table string) (int, error) {
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}

	var count int
	query := "SELECT COUNT(*) FROM " + s.dialect.quote(table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPartialFetchFailure, fmt.Sprintf("count %s", table), err)
	}
	return count, nil
}

// InsertSale inserts the sale unless a row with the same id already exists.
func (s *SQLStore) InsertSale(ctx context.Context, id string, payload []byte) error {
	query := s.dialect.insertIgnore(s.salesTable, []string{"id", "sale_data", "created_at"})
	if _, err := s.db.ExecContext(ctx, query, id, string(payload), time.Now().UTC()); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteWriteRejected, fmt.Sprintf("insert sale %s", id), err)
	}
	return nil
}

// EnsureSalesTable creates the sales table when it does not exist.
func (s *SQLStore) EnsureSalesTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createSales(s.salesTable)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create sales table", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkUnavailable, "ping remote store", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// scanRows converts a result set into column-keyed rows.
// Driver byte slices become strings so rows serialize as readable JSON.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
