package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/capture-service/internal/logging"
	"github.com/JakeFAU/capture-service/internal/sandbox"
	"github.com/JakeFAU/capture-service/internal/server"
)

// newCaptureCmd is the isolated worker the service spawns for each job. It
// reads one task on stdin and writes its report on stdout; logs go to stderr
// where the parent relays them.
func newCaptureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:    server.CaptureCommand,
		Short:  "Runs a single capture job (used internally)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(opts, logging.WithOutput("stderr"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			validator := server.NewValidator(&cfg, logger.Named("safety"))
			pipeline := server.NewPipeline(&cfg, validator, logger)
			child := sandbox.NewChild(pipeline, logger.Named("sandbox"))
			if err := child.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("capture worker: %w", err)
			}
			return nil
		},
	}
}
