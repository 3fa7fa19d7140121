package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume fan-out and group-done messages",
		Long: `Consume the configured queue without serving HTTP. Run as many
workers as needed; they coordinate through the ledger.

Example:
  labeliq worker --config prod.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Queue.Transport == "local" {
				slog.Warn("worker on the local transport only sees messages published by this process")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			slog.Info("worker started", "transport", cfg.Queue.Transport)
			if err := a.consume(ctx); err != nil {
				return WrapExitError(ExitFailure, "worker error", err)
			}
			slog.Info("worker stopped gracefully")
			return nil
		},
	}
	return cmd
}
