package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/reconcile"
	"github.com/orderflow/shipbridge/internal/router"
	"github.com/orderflow/shipbridge/internal/server"
	"github.com/orderflow/shipbridge/internal/telemetry"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shipbridge",
	Short:   "ShipBridge - carrier integration and reconciliation service",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and webhook reconciler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tracerShutdown, err := initTracer(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize tracer", zap.Error(err))
	} else {
		defer tracerShutdown(ctx)
	}

	metrics := telemetry.NewMetrics()

	store, closeStore, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := initCarrierRegistry(cfg, logger)

	reconciler := reconcile.NewService(store, reconcile.Config{
		ReplayBackoffBase: cfg.ReplayBackoffBase,
		ReplayBackoffCap:  cfg.ReplayBackoffCap,
		ReplayBatchSize:   cfg.ReplayBatchSize,
		PayloadTTL:        cfg.PayloadTTL,
	}, logger, metrics)

	rt := router.New(registry, store, reconciler, router.Config{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Breaker: router.BreakerConfig{
			ConsecutiveThreshold: cfg.CircuitFailures,
			FailureRateThreshold: cfg.CircuitFailureRate,
			WindowSize:           cfg.CircuitWindowSize,
			OpenFor:              cfg.CircuitOpenDuration,
		},
	}, logger, metrics)

	sweeper := reconcile.NewSweeper(reconciler, cfg.ReplayInterval, cfg.PurgeInterval, logger)
	go sweeper.Run(ctx)

	logger.Info("Starting ShipBridge",
		zap.Int("port", cfg.Port),
		zap.String("version", cfg.Version),
		zap.Bool("mock", cfg.SwiftShipUseMock),
	)

	srv := server.New(server.Config{
		Port:          cfg.Port,
		AllowUnsigned: cfg.WebhookAllowUnsigned,
	}, registry, rt, store, reconciler, logger, metrics)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
