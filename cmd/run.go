package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var stageName string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline in the foreground",
		Long: `Seeds the discover stage from the configured search space and drives the
selected stage (or every stage in order) to completion. SIGINT pauses the
run gracefully; SIGUSR1 applies a temporary boost.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := pipeline.Stage(stageName)
			if target != pipeline.StageAll && !target.Valid() {
				return fmt.Errorf("unknown stage %q", stageName)
			}
			return runPipeline(cmd.Context(), target)
		},
	}

	cmd.Flags().StringVar(&stageName, "stage", string(pipeline.StageAll),
		"stage to run: discover, extract, classify, index, or all")
	return cmd
}

func runPipeline(parent context.Context, target pipeline.Stage) error {
	a, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.Monitor().Run(ctx)

	boostCh := make(chan os.Signal, 1)
	signal.Notify(boostCh, syscall.SIGUSR1)
	defer signal.Stop(boostCh)
	go func() {
		for range boostCh {
			logger.Info("boost signal received")
			a.Controller().Boost(0)
		}
	}()

	if target == pipeline.StageAll || target == pipeline.StageDiscover {
		if _, err := a.Seed(ctx); err != nil {
			return fmt.Errorf("seed discover stage: %w", err)
		}
	}

	if err := a.Controller().Run(ctx, target); err != nil {
		return fmt.Errorf("pipeline run: %w", err)
	}

	report, err := a.Controller().Status(context.Background())
	if err != nil {
		return nil
	}
	for _, stage := range pipeline.Stages {
		st, ok := report.Stages[stage]
		if !ok {
			continue
		}
		logger.Info("stage summary",
			zap.String("stage", string(stage)),
			zap.Int64("done", st.Progress.Done),
			zap.Int64("failed", st.Progress.Failed),
			zap.Int64("remaining", st.Progress.Remaining()),
		)
	}
	return nil
}
