// Package cmd defines the CLI commands for the capture-service executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/config"
	"github.com/JakeFAU/capture-service/internal/logging"
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root command and registers the subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "capture-service",
		Short: "Captures web pages as HTML and tiled screenshots.",
		Long: `capture-service loads a URL in headless Chrome and returns the page's
response together with compressed screenshots of the rendered page, as one
multipart/mixed reply.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML); environment variables use the CAPTURE_ prefix")

	cmd.AddCommand(
		newServeCmd(opts),
		newCaptureCmd(opts),
		newFetchCmd(),
	)
	return cmd
}

// loadConfig reads configuration and builds the service logger from it.
func loadConfig(opts *rootOptions, logOpts ...logging.Option) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logOpts = append([]logging.Option{logging.WithLevel(cfg.Logging.Level)}, logOpts...)
	logger, err := logging.New(cfg.Logging.Development, logOpts...)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, lerr := logging.New(false)
		if lerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}
