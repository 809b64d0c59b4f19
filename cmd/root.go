// Package cmd defines and implements the CLI commands for the jobsift
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobsift/jobsift/internal/app"
	"github.com/jobsift/jobsift/internal/config"
)

var cfgFile string

// newApp is the application factory. It's a variable so tests can replace it
// with a mock factory.
var newApp = func(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobsift",
		Short: "An adaptive pipeline that discovers, classifies, and indexes job postings.",
		Long: `jobsift runs a checkpointed four-stage pipeline: discover search pages,
extract structured postings, classify them with an inference service, and
index the results for search. Every stage is rate limited, resumable, and
sized to the machine it runs on.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus JOBSIFT_* env)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBoostCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobsift: %v\n", err)
		os.Exit(1)
	}
}
