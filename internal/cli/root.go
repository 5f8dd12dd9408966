// Package cli implements the possync command line: one-shot snapshot,
// queue, sync and verify operations plus the serve daemon.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	EnvFiles []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the possync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "possync",
		Short: "Offline-first POS sync engine",
		Long: `possync keeps a point-of-sale terminal working without a network.

It downloads reference tables from the remote database into a local store,
queues sales recorded offline and replays them once the remote is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "env files to load before the environment")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDownloadCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig reads configuration and points logging at stderr. One-shot
// commands log warnings only unless --verbose is set.
func (o *RootOptions) loadConfig(cmd *cobra.Command, daemon bool) (*config.Config, error) {
	cfg, err := config.Load(o.EnvFiles...)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	switch {
	case o.Verbose:
		level = logging.LevelDebug
	case !daemon && level != logging.LevelError:
		level = logging.LevelWarn
	}
	logging.Init(cmd.ErrOrStderr(), level)
	return cfg, nil
}

// withApp opens the configured stores for one command and closes them
// afterwards. Auto sync is never started.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, f *OutputFormatter) error) error {
	f := o.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := o.loadConfig(cmd, false)
	if err != nil {
		return f.Fail("load config", err)
	}
	cfg.Sync.AutoStart = false

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return f.Fail("open stores", err)
	}
	defer a.Close()

	return fn(ctx, a, f)
}
