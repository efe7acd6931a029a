package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage. When DatabaseURL is empty the service runs on the in-memory
	// store, which is only suitable for tests and local development.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// SwiftShip
	SwiftShipClientID        string   `envconfig:"SWIFTSHIP_CLIENT_ID"`
	SwiftShipClientSecret    string   `envconfig:"SWIFTSHIP_CLIENT_SECRET"`
	SwiftShipBaseURL         string   `envconfig:"SWIFTSHIP_BASE_URL" default:"https://api.swiftship.example.com/v2"`
	SwiftShipWebhookSecret   string   `envconfig:"SWIFTSHIP_WEBHOOK_SECRET"`
	SwiftShipWebhookIPs      []string `envconfig:"SWIFTSHIP_WEBHOOK_IPS"`
	SwiftShipBookingDisabled bool     `envconfig:"SWIFTSHIP_BOOKING_DISABLED" default:"false"`
	SwiftShipUseMock         bool     `envconfig:"SWIFTSHIP_USE_MOCK" default:"false"`

	// Webhooks. AllowUnsigned accepts deliveries that fail verification and
	// tags their events as degraded instead of rejecting them. Emergencies
	// only.
	WebhookAllowUnsigned bool `envconfig:"WEBHOOK_ALLOW_UNSIGNED" default:"false"`

	// Retry and circuit policy
	MaxAttempts         int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BackoffBase         time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"500ms"`
	CircuitFailures     int           `envconfig:"CIRCUIT_CONSECUTIVE_FAILURES" default:"3"`
	CircuitFailureRate  float64       `envconfig:"CIRCUIT_FAILURE_RATE" default:"0.5"`
	CircuitWindowSize   int           `envconfig:"CIRCUIT_WINDOW_SIZE" default:"10"`
	CircuitOpenDuration time.Duration `envconfig:"CIRCUIT_OPEN_DURATION" default:"30s"`

	// Reconciliation
	ReplayInterval    time.Duration `envconfig:"REPLAY_INTERVAL" default:"1m"`
	ReplayBackoffBase time.Duration `envconfig:"REPLAY_BACKOFF_BASE" default:"30s"`
	ReplayBackoffCap  time.Duration `envconfig:"REPLAY_BACKOFF_CAP" default:"1h"`
	ReplayBatchSize   int           `envconfig:"REPLAY_BATCH_SIZE" default:"100"`
	PurgeInterval     time.Duration `envconfig:"PURGE_INTERVAL" default:"6h"`
	PayloadTTL        time.Duration `envconfig:"PAYLOAD_TTL" default:"2160h"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"shipbridge"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "loading config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !c.SwiftShipUseMock {
		if c.SwiftShipClientID == "" || c.SwiftShipClientSecret == "" {
			return errors.New("SWIFTSHIP_CLIENT_ID and SWIFTSHIP_CLIENT_SECRET are required unless SWIFTSHIP_USE_MOCK is set")
		}
	}
	if c.CircuitFailureRate <= 0 || c.CircuitFailureRate > 1 {
		return errors.New("CIRCUIT_FAILURE_RATE must be in (0, 1]")
	}
	if c.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.Bool("swiftship.mock", c.SwiftShipUseMock),
		attribute.Bool("swiftship.booking_disabled", c.SwiftShipBookingDisabled),
	}
}
