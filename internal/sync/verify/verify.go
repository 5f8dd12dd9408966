// Package verify compares the resident snapshot with the remote store.
package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/logging"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/telemetry"
)

// ResidentCounter reads how many rows of a table are stored locally.
type ResidentCounter interface {
	Tables() []string
	ResidentCount(ctx context.Context, table string) (count int, ok bool, err error)
}

// EntityCheck is the comparison for one table.
type EntityCheck struct {
	Table    string `json:"table"`
	Local    int    `json:"local"`
	Remote   int    `json:"remote"`
	Resident bool   `json:"resident"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Report is the outcome of VerifyAllData.
type Report struct {
	AllOK    bool          `json:"all_ok"`
	Summary  string        `json:"summary"`
	Entities []EntityCheck `json:"entities"`
}

// Verifier checks local counts against the remote store.
type Verifier struct {
	local   ResidentCounter
	remote  remote.Store
	metrics *telemetry.Metrics

	mu   sync.Mutex
	last *Report
}

// New creates a Verifier.
func New(local ResidentCounter, rs remote.Store, metrics *telemetry.Metrics) *Verifier {
	return &Verifier{local: local, remote: rs, metrics: metrics}
}

// VerifyAllData compares every configured table. Mismatches and lookup
// failures are reported in the Report, never returned as errors.
func (v *Verifier) VerifyAllData(ctx context.Context) Report {
	tables := v.local.Tables()
	report := Report{AllOK: true, Entities: make([]EntityCheck, 0, len(tables))}

	var problems []string
	for _, table := range tables {
		check := v.checkTable(ctx, table)
		if !check.OK {
			report.AllOK = false
			problems = append(problems, describe(check))
			v.metrics.VerificationMismatch(table)
		}
		report.Entities = append(report.Entities, check)
	}

	if report.AllOK {
		report.Summary = fmt.Sprintf("all %d tables match the remote store", len(tables))
		logging.Info("Snapshot verification passed", map[string]interface{}{"tables": len(tables)})
	} else {
		report.Summary = fmt.Sprintf("%d of %d tables differ: %s",
			len(problems), len(tables), strings.Join(problems, "; "))
		logging.Warn("Snapshot verification mismatch", map[string]interface{}{
			"code":    string(apperrors.ErrVerificationMismatch),
			"summary": report.Summary,
		})
	}

	v.mu.Lock()
	last := report
	v.last = &last
	v.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first run.
func (v *Verifier) Last() *Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.last == nil {
		return nil
	}
	r := *v.last
	r.Entities = append([]EntityCheck(nil), v.last.Entities...)
	return &r
}

func (v *Verifier) checkTable(ctx context.Context, table string) EntityCheck {
	check := EntityCheck{Table: table}

	local, resident, err := v.local.ResidentCount(ctx, table)
	if err != nil {
		check.Error = "local: " + err.Error()
		return check
	}
	check.Local = local
	check.Resident = resident

	remoteCount, err := v.remote.CountRows(ctx, table)
	if err != nil {
		check.Error = "remote: " + err.Error()
		return check
	}
	check.Remote = remoteCount
	check.OK = resident && local == remoteCount
	return check
}

func describe(c EntityCheck) string {
	switch {
	case c.Error != "":
		return fmt.Sprintf("%s (%s)", c.Table, c.Error)
	case !c.Resident:
		return fmt.Sprintf("%s not downloaded", c.Table)
	default:
		return fmt.Sprintf("%s local=%d remote=%d", c.Table, c.Local, c.Remote)
	}
}
