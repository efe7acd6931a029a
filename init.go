package main

import (
	"context"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/orderflow/shipbridge/internal/config"
	"github.com/orderflow/shipbridge/internal/storage"
	"github.com/orderflow/shipbridge/internal/storage/memshipment"
	"github.com/orderflow/shipbridge/internal/storage/pgshipment"
	"github.com/orderflow/shipbridge/internal/telemetry"
	"github.com/orderflow/shipbridge/pkg/carrier"
	"github.com/orderflow/shipbridge/pkg/carrier/swiftship"
)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(level string) (*otelzap.Logger, error) {
	return telemetry.NewLogger(level)
}

func initTracer(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return func(context.Context) error { return nil }, nil
	}

	_, shutdown, err := telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
	return shutdown, err
}

// initStore picks the Postgres store when DATABASE_URL is set and the
// in-memory store otherwise. The in-memory store loses everything on
// restart; it exists for local development.
func initStore(ctx context.Context, cfg *config.Config, logger *otelzap.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL is empty, using the in-memory store")
		return memshipment.New(), func() {}, nil
	}
	store, err := pgshipment.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to Postgres")
	return store, store.Close, nil
}

func initCarrierRegistry(cfg *config.Config, logger *otelzap.Logger) *carrier.Registry {
	registry := carrier.NewRegistry()

	tracer := otel.GetTracerProvider().Tracer(cfg.ServiceName)

	ss := swiftship.New(swiftship.Config{
		ClientID:          cfg.SwiftShipClientID,
		ClientSecret:      cfg.SwiftShipClientSecret,
		BaseURL:           cfg.SwiftShipBaseURL,
		WebhookSecret:     cfg.SwiftShipWebhookSecret,
		WebhookAllowedIPs: cfg.SwiftShipWebhookIPs,
		BookingDisabled:   cfg.SwiftShipBookingDisabled,
		UseMock:           cfg.SwiftShipUseMock,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
	}, logger, tracer)
	registry.Register(ss, "swift", "swift-ship")

	if cfg.SwiftShipBookingDisabled {
		logger.Warn("SwiftShip booking kill switch is ON", zap.String("provider", ss.Name()))
	}

	return registry
}
