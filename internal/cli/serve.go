package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/possync/backend/cmd/possyncd/handlers"
	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with its REST and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd, true)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "open stores", err)
			}
			defer a.Close()

			a.Start(ctx)
			logging.Info("Serving sync API", map[string]interface{}{"addr": cfg.Server.Addr})
			return handlers.NewServer(cfg.Server, a).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides POSSYNC_SERVER_ADDR)")
	return cmd
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "List the environment variables possync reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.PrintUsage(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig(cmd, false)
			if err != nil {
				return f.Fail("load config", err)
			}
			redacted := *cfg
			if redacted.Remote.DSN != "" {
				redacted.Remote.DSN = "********"
			}
			if redacted.Store.RedisPassword != "" {
				redacted.Store.RedisPassword = "********"
			}
			if f.Format == "json" {
				return f.Success(redacted, nil)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted)
		},
	})

	return cmd
}
