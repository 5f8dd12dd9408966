package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/backend/internal/app"
	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/models"
	"github.com/kimhsiao/possync/backend/internal/sync/queue"
)

// maxSaleInput bounds sale JSON read from stdin.
const maxSaleInput = 1 << 20

// QueueListOutput is the output of queue list.
type QueueListOutput struct {
	Records []models.OfflineSaleRecord `json:"records"`
	Stats   queue.Stats                `json:"stats"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage offline sales",
	}

	var archived bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued sales",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				out := QueueListOutput{Records: a.Queue.List(), Stats: a.Queue.GetStats()}
				if archived {
					out.Records = a.Queue.ListArchived()
				}
				return f.Success(out, func(w io.Writer) { printQueue(w, out) })
			})
		},
	}
	list.Flags().BoolVar(&archived, "archived", false, "list recently synced sales instead")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "add <sale-json | ->",
		Short: "Record a sale in the offline queue",
		Long: `Record a sale in the offline queue. Pass the sale as a JSON argument, or
"-" to read it from stdin. No connectivity is needed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				data, err := saleInput(cmd, args[0])
				if err != nil {
					return f.Fail("read sale", err)
				}
				rec, err := a.Queue.Enqueue(ctx, data)
				if err != nil {
					return f.Fail("enqueue sale", err)
				}
				return f.Success(rec, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Queued sale %s (seq %d)\n", rec.ID, rec.Seq)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Replay pending sales to the remote database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, runFlush)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Make a frozen sale eligible for the next flush",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				rec, err := a.Queue.RetryFailed(ctx, args[0])
				if err != nil {
					return f.Fail("retry sale", err)
				}
				return f.Success(rec, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Sale %s will be retried on the next flush\n", rec.ID)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Discard a queued sale without syncing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				if err := a.Queue.Remove(ctx, args[0]); err != nil {
					return f.Fail("remove sale", err)
				}
				return f.Success(map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Removed sale %s\n", args[0])
				})
			})
		},
	})

	return cmd
}

func saleInput(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	if arg != "-" {
		return json.RawMessage(arg), nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxSaleInput+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSaleInput {
		return nil, apperrors.New(apperrors.ErrInvalid, "sale data exceeds 1 MiB")
	}
	return json.RawMessage(strings.TrimSpace(string(data))), nil
}

func runFlush(ctx context.Context, a *app.App, f *OutputFormatter) error {
	if !a.CheckConnectivity(ctx) {
		return f.Fail("flush queue", apperrors.New(apperrors.ErrNetworkUnavailable, "remote database is unreachable"))
	}
	res, err := a.Queue.SyncAllPendingSales(ctx)
	if err != nil {
		return f.Fail("flush queue", err)
	}
	if err := f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Synced %d, failed %d, frozen %d\n", res.Synced, res.Failed, res.Frozen)
	}); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d sale(s) failed to sync", res.Failed))
	}
	return nil
}

func printQueue(w io.Writer, out QueueListOutput) {
	s := out.Stats
	fmt.Fprintf(w, "%d queued (%d pending, %d frozen), %d archived\n", s.Total, s.Pending, s.Frozen, s.Archived)
	if len(out.Records) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tCREATED\tATTEMPTS\tSTATE\tLAST ERROR")
	for _, rec := range out.Records {
		lastErr := ""
		if rec.LastError != nil {
			lastErr = *rec.LastError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			rec.Seq, rec.ID, rec.CreatedAt.Format(time.RFC3339), rec.SyncAttempts, recordState(rec), lastErr)
	}
	tw.Flush()
}

func recordState(rec models.OfflineSaleRecord) string {
	switch {
	case rec.Synced:
		return "synced"
	case rec.Frozen():
		return "frozen"
	default:
		return "pending"
	}
}
