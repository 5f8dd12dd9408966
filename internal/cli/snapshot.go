package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/backend/internal/app"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/sync/snapshot"
)

// NewDownloadCommand creates the download command.
func NewDownloadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download every catalog table into the local store",
		Long: `Download the reference tables listed in the catalog.

A table that fails keeps its previous local copy. The command exits 1 when
any table failed and 2 when the remote is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runDownload)
		},
	}
}

func runDownload(ctx context.Context, a *app.App, f *OutputFormatter) error {
	if !a.CheckConnectivity(ctx) {
		return f.Fail("download", apperrors.New(apperrors.ErrNetworkUnavailable, "remote database is unreachable"))
	}

	res, err := a.Snapshots.DownloadFullDatabase(ctx, func(p models.Progress) {
		f.VerboseLog("[%d/%d] %s (%d%%)", p.Current, p.Total, p.CurrentTask, p.Percentage)
	})
	if err != nil {
		return f.Fail("download", err)
	}

	if outErr := f.Success(res, func(w io.Writer) { printDownload(w, res) }); outErr != nil {
		return outErr
	}
	if !res.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("%d table(s) failed", len(res.Failed)))
	}
	return nil
}

func printDownload(w io.Writer, res *snapshot.Result) {
	if res.Success {
		fmt.Fprintln(w, "✓ Snapshot downloaded")
	} else {
		fmt.Fprintln(w, "✗ Snapshot partially downloaded")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS")
	for _, table := range sortedKeys(res.CountsByEntity) {
		fmt.Fprintf(tw, "%s\t%d\n", table, res.CountsByEntity[table])
	}
	tw.Flush()

	for _, failure := range res.Failed {
		fmt.Fprintf(w, "  %s: [%s] %s\n", failure.Table, failure.Code, failure.Error)
	}
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear the local snapshot",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show what is resident locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runSnapshotShow)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "table <name>",
		Short: "Print the resident rows of one table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				return runSnapshotTable(ctx, a, f, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every downloaded table and the metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				if err := a.Snapshots.ClearDownload(ctx); err != nil {
					return f.Fail("clear snapshot", err)
				}
				return f.Success(map[string]bool{"cleared": true}, func(w io.Writer) {
					fmt.Fprintln(w, "✓ Snapshot cleared")
				})
			})
		},
	})

	return cmd
}

// SnapshotView is the output of snapshot show.
type SnapshotView struct {
	Downloaded bool                     `json:"downloaded"`
	Tables     []string                 `json:"tables"`
	Metadata   *models.DownloadMetadata `json:"metadata,omitempty"`
}

func runSnapshotShow(ctx context.Context, a *app.App, f *OutputFormatter) error {
	meta, err := a.Snapshots.GetDownloadMetadata(ctx)
	if err != nil {
		return f.Fail("read snapshot metadata", err)
	}
	view := SnapshotView{Downloaded: meta != nil, Tables: a.Snapshots.Tables(), Metadata: meta}
	return f.Success(view, func(w io.Writer) { printSnapshot(w, view) })
}

func printSnapshot(w io.Writer, view SnapshotView) {
	if view.Metadata == nil {
		fmt.Fprintln(w, "No snapshot downloaded")
		return
	}
	meta := view.Metadata
	fmt.Fprintf(w, "Downloaded %s (%dms)", meta.Timestamp.Format(time.RFC3339), meta.DownloadDurationMs)
	if meta.Partial {
		fmt.Fprint(w, ", partial")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS\tSTATUS\tUPDATED")
	for _, table := range view.Tables {
		tm, ok := meta.Tables[table]
		if !ok {
			fmt.Fprintf(tw, "%s\t-\tmissing\t-\n", table)
			continue
		}
		updated := "-"
		if tm.UpdatedAt != nil {
			updated = tm.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", table, tm.Count, tm.Status, updated)
	}
	tw.Flush()
}

func runSnapshotTable(ctx context.Context, a *app.App, f *OutputFormatter, table string) error {
	if err := remote.ValidateIdentifier(table); err != nil {
		return f.Fail("read table", err)
	}
	rows, err := a.Snapshots.LoadTable(ctx, table)
	if err != nil {
		return f.Fail("read table", err)
	}
	return f.Success(rows, func(w io.Writer) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
