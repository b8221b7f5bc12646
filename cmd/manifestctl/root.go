package main

import (
	"fmt"

	"github.com/nroduit/viewer-hub-sub002/internal/app"
	"github.com/nroduit/viewer-hub-sub002/internal/config"
	"github.com/nroduit/viewer-hub-sub002/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command
type options struct {
	logLevel     string
	archivesFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "manifestctl",
		Short: "Build viewer manifests and check archives from the command line",
		Long: `manifestctl runs the viewer hub pipeline without the HTTP server.
Configuration is read from the environment and .env like the server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	cmd.PersistentFlags().StringVar(&opts.archivesFile, "archives-file", "", "TOML archive file, overrides ARCHIVES_SOURCE and ARCHIVES_FILE")

	cmd.AddCommand(newBuildCmd(opts), newEchoCmd(opts), newArchivesCmd(opts))
	return cmd
}

// open loads the configuration and wires the pipeline
func (o *options) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.archivesFile != "" {
		cfg.Archives.Source = "file"
		cfg.Archives.File = o.archivesFile
	}
	cfg.Archives.Watch = false
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.InitWithWriter(o.logLevel, "console", cmd.ErrOrStderr())
	return app.New(cfg, prometheus.NewRegistry())
}
