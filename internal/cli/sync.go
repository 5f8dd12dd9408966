package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/backend/internal/app"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
	"github.com/kimhsiao/possync/backend/internal/sync/verify"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync cycle",
		Long: `Run one sync cycle: flush the offline queue, refresh the snapshot and
verify local counts against the remote database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runSync)
		},
	}
}

func runSync(ctx context.Context, a *app.App, f *OutputFormatter) error {
	a.CheckConnectivity(ctx)
	report, err := a.Scheduler.SyncNow(ctx)
	if err != nil {
		return f.Fail("sync", err)
	}
	if err := f.Success(report, func(w io.Writer) { printCycle(w, report) }); err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("sync finished with %d error(s)", len(report.Errors)))
	}
	return nil
}

func printCycle(w io.Writer, r *models.CycleReport) {
	if len(r.Errors) == 0 {
		fmt.Fprintf(w, "✓ Sync complete in %dms\n", r.DurationMs)
	} else {
		fmt.Fprintf(w, "✗ Sync finished with errors in %dms\n", r.DurationMs)
	}
	fmt.Fprintf(w, "  sales: %d synced, %d failed, %d frozen\n", r.SalesSynced, r.SalesFailed, r.SalesFrozen)
	fmt.Fprintf(w, "  snapshot: %d table(s)", len(r.CountsByEntity))
	if len(r.FailedTables) > 0 {
		fmt.Fprintf(w, ", failed: %s", strings.Join(r.FailedTables, ", "))
	}
	fmt.Fprintln(w)
	if r.VerificationNote != "" {
		fmt.Fprintf(w, "  verify: %s\n", r.VerificationNote)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare local row counts with the remote database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runVerify)
		},
	}
}

func runVerify(ctx context.Context, a *app.App, f *OutputFormatter) error {
	if !a.CheckConnectivity(ctx) {
		return f.Fail("verify", apperrors.New(apperrors.ErrNetworkUnavailable, "remote database is unreachable"))
	}
	report := a.Verifier.VerifyAllData(ctx)
	if err := f.Success(report, func(w io.Writer) { printVerify(w, report) }); err != nil {
		return err
	}
	if !report.AllOK {
		return NewExitError(ExitFailure, report.Summary)
	}
	return nil
}

func printVerify(w io.Writer, report verify.Report) {
	if report.AllOK {
		fmt.Fprintln(w, "✓ Local data matches remote")
	} else {
		fmt.Fprintln(w, "✗ Verification failed")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tLOCAL\tREMOTE\tOK")
	for _, c := range report.Entities {
		remoteCount := fmt.Sprint(c.Remote)
		if c.Error != "" {
			remoteCount = "error"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%v\n", c.Table, c.Local, remoteCount, c.OK)
	}
	tw.Flush()
	if !report.AllOK && report.Summary != "" {
		fmt.Fprintln(w, report.Summary)
	}
}

// StatusOutput is the output of the status command.
type StatusOutput struct {
	Online   bool         `json:"online"`
	Queue    queue.Stats  `json:"queue"`
	Snapshot SnapshotView `json:"snapshot"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and snapshot state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runStatus)
		},
	}
}

func runStatus(ctx context.Context, a *app.App, f *OutputFormatter) error {
	meta, err := a.Snapshots.GetDownloadMetadata(ctx)
	if err != nil {
		return f.Fail("read snapshot metadata", err)
	}
	out := StatusOutput{
		Online:   a.CheckConnectivity(ctx),
		Queue:    a.Queue.GetStats(),
		Snapshot: SnapshotView{Downloaded: meta != nil, Tables: a.Snapshots.Tables(), Metadata: meta},
	}
	return f.Success(out, func(w io.Writer) {
		state := "offline"
		if out.Online {
			state = "online"
		}
		fmt.Fprintf(w, "Remote: %s\n", state)
		fmt.Fprintf(w, "Queue: %d pending, %d frozen, %d archived\n", out.Queue.Pending, out.Queue.Frozen, out.Queue.Archived)
		printSnapshot(w, out.Snapshot)
	})
}
