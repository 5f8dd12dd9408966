// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/remote"
)

// Fake is an in-memory remote store with failure injection.
type Fake struct {
	mu sync.Mutex

	tables      map[string][]remote.Row
	sales       map[string][]byte
	insertOrder []string
	attempts    map[string]int
	fetchCalls  map[string]int

	// FailInsert, when set, is consulted before every insert attempt.
	FailInsert func(id string, attempt int) error
	// FailFetch maps a table to the error its fetches return.
	FailFetch map[string]error
	// CountOverride replaces the reported count for a table.
	CountOverride map[string]int
	// PingErr is returned by Ping.
	PingErr error
	// BeforeInsert runs outside the lock before each insert.
	BeforeInsert func(id string)
}

var _ remote.Store = (*Fake)(nil)

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		tables:        make(map[string][]remote.Row),
		sales:         make(map[string][]byte),
		attempts:      make(map[string]int),
		fetchCalls:    make(map[string]int),
		FailFetch:     make(map[string]error),
		CountOverride: make(map[string]int),
	}
}

// SetTable replaces the rows of table.
func (f *Fake) SetTable(table string, rows []remote.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = rows
}

// SeedTable fills table with n rows numbered from 1.
func (f *Fake) SeedTable(table string, n int) {
	rows := make([]remote.Row, n)
	for i := range rows {
		rows[i] = remote.Row{"id": i + 1, "name": fmt.Sprintf("%s-%d", table, i+1)}
	}
	f.SetTable(table, rows)
}

// FailTable makes fetches of table fail.
func (f *Fake) FailTable(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.FailFetch, table)
		return
	}
	f.FailFetch[table] = err
}

// FetchPage returns a slice of the table.
func (f *Fake) FetchPage(ctx context.Context, table string, offset, limit int) ([]remote.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCalls[table]++
	if err := f.FailFetch[table]; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPartialFetchFailure, "fetch "+table, err)
	}

	rows := f.tables[table]
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return append([]remote.Row(nil), rows[offset:end]...), nil
}

// CountRows returns the table size or its override.
func (f *Fake) CountRows(ctx context.Context, table string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.FailFetch[table]; err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPartialFetchFailure, "count "+table, err)
	}
	if n, ok := f.CountOverride[table]; ok {
		return n, nil
	}
	return len(f.tables[table]), nil
}

// InsertSale records the sale once per id.
func (f *Fake) InsertSale(ctx context.Context, id string, payload []byte) error {
	if f.BeforeInsert != nil {
		f.BeforeInsert(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[id]++
	if f.FailInsert != nil {
		if err := f.FailInsert(id, f.attempts[id]); err != nil {
			return apperrors.Wrap(apperrors.ErrRemoteWriteRejected, "insert sale "+id, err)
		}
	}
	if _, exists := f.sales[id]; exists {
		return nil
	}
	f.sales[id] = append([]byte(nil), payload...)
	f.insertOrder = append(f.insertOrder, id)
	return nil
}

// Ping returns PingErr.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// InsertOrder returns the ids of stored sales in insertion order.
func (f *Fake) InsertOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.insertOrder...)
}

// Attempts returns how many inserts were attempted for id.
func (f *Fake) Attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

// TotalAttempts returns the number of insert attempts across all ids.
func (f *Fake) TotalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

// FetchCalls returns how many pages were requested for table.
func (f *Fake) FetchCalls(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[table]
}

// Sale returns the stored payload for id.
func (f *Fake) Sale(id string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.sales[id]
	return p, ok
}
