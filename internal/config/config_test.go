package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflow/shipbridge/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SWIFTSHIP_USE_MOCK", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 0.5, cfg.CircuitFailureRate)
	assert.Equal(t, 30*time.Second, cfg.CircuitOpenDuration)
	assert.Equal(t, time.Minute, cfg.ReplayInterval)
	assert.Equal(t, 2160*time.Hour, cfg.PayloadTTL)
	assert.Equal(t, "shipbridge", cfg.ServiceName)
	assert.False(t, cfg.WebhookAllowUnsigned)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SWIFTSHIP_USE_MOCK", "true")
	t.Setenv("PORT", "9191")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("CIRCUIT_OPEN_DURATION", "2m")
	t.Setenv("SWIFTSHIP_WEBHOOK_IPS", "10.0.0.1,10.0.0.2")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.CircuitOpenDuration)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.SwiftShipWebhookIPs)
}

func TestLoad_RequiresCredentialsWithoutMock(t *testing.T) {
	t.Setenv("SWIFTSHIP_USE_MOCK", "false")
	t.Setenv("SWIFTSHIP_CLIENT_ID", "")
	t.Setenv("SWIFTSHIP_CLIENT_SECRET", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWIFTSHIP_CLIENT_ID")
}

func TestLoad_RejectsBadPolicyValues(t *testing.T) {
	t.Setenv("SWIFTSHIP_USE_MOCK", "true")

	t.Run("failure rate above one", func(t *testing.T) {
		t.Setenv("CIRCUIT_FAILURE_RATE", "1.5")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("zero attempts", func(t *testing.T) {
		t.Setenv("RETRY_MAX_ATTEMPTS", "0")
		_, err := config.Load()
		assert.Error(t, err)
	})
}
