package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/api"
	"github.com/jobsift/jobsift/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the pipeline API server",
		Long: `Starts the HTTP API for controlling and observing the pipeline. Runs are
triggered via POST /v1/pipeline/run or, when schedule.cron is configured,
on the cron schedule.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	a, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger()
	cfg := a.Config()

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

	apiServer := api.NewServer(ctx, a.Controller(), a.Store(), api.Config{
		AuthEnabled:  cfg.Auth.Enabled,
		APIKey:       cfg.Auth.APIKey,
		DefaultBoost: cfg.BoostDuration(),
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var scheduler *cron.Cron
	if cfg.Schedule.Cron != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Schedule.Cron, func() {
			logger.Info("scheduled run starting", zap.String("cron", cfg.Schedule.Cron))
			if _, err := a.Seed(ctx); err != nil {
				logger.Warn("scheduled seed failed", zap.Error(err))
			}
			if err := a.Controller().Run(ctx, pipeline.StageAll); err != nil {
				logger.Error("scheduled run failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("parse schedule.cron: %w", err)
		}
		scheduler.Start()
		logger.Info("run schedule active", zap.String("cron", cfg.Schedule.Cron))
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	if scheduler != nil {
		scheduler.Stop()
	}
	a.Controller().Pause()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
