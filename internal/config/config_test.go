package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
mode: testnet
venues:
  - id: binance
    priority: 1
    active: true
    credentials: env:BINANCE
    rate_limits:
      orders: 50
      requests: 1200
    symbols: [btcusdt, ETHUSDT]
  - id: bybit
    kind: bybit
    priority: 2
    active: true
    rate_limits:
      orders: 10
      requests: 600
      window: 5s
    endpoints:
      testnet:
        rest: https://api-testnet.bybit.com
routing:
  rules:
    - symbol: btcusdt
      primary: binance
      fallback: [bybit]
      criterion: latency
  default:
    primary: bybit
    fallback: [binance]
health:
  latency_threshold: 250ms
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, types.ModeTestnet, cfg.Mode)
	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, []string{"binance", "bybit"}, cfg.VenueIDs())

	binance := cfg.Venues[0]
	assert.Equal(t, types.VenueKindBinance, binance.Kind, "kind defaults to the id")
	assert.Equal(t, time.Minute, binance.RateLimits.Window, "shared window applies")
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, binance.Symbols)
	assert.Equal(t, "env:BINANCE", binance.Credentials)

	bybit := cfg.Venues[1]
	assert.Equal(t, 5*time.Second, bybit.RateLimits.Window)
	assert.Equal(t, "https://api-testnet.bybit.com", bybit.EndpointsFor(types.ModeTestnet).REST)

	require.Len(t, cfg.Routing.Rules, 1)
	assert.Equal(t, "BTCUSDT", cfg.Routing.Rules[0].Symbol)
	assert.Equal(t, []string{"bybit"}, cfg.Routing.Rules[0].Fallback)
	require.NotNil(t, cfg.Routing.Default)
	assert.Equal(t, "bybit", cfg.Routing.Default.Primary)

	assert.Equal(t, 250*time.Millisecond, cfg.Health.LatencyThreshold)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "venues:\n  - id: kucoin\n    active: true\n"))
	require.NoError(t, err)

	assert.Equal(t, types.ModeProduction, cfg.Mode)
	assert.Equal(t, time.Second, cfg.Connection.Reconnect.BaseDelay)
	assert.Equal(t, 2.0, cfg.Connection.Reconnect.Multiplier)
	assert.Equal(t, 60*time.Second, cfg.Connection.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Connection.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Connection.StaleThreshold)
	assert.Equal(t, 10*time.Second, cfg.Connection.CallTimeout)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.LatencyThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Execution.MaintenanceCooldown)
	assert.Equal(t, time.Minute, cfg.Venues[0].RateLimits.Window)
	assert.Equal(t, "gateway", cfg.NATS.Prefix)
	assert.Equal(t, "secret", cfg.Vault.Mount)
	assert.Equal(t, ":8080", cfg.API.Address)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_MODE", "testnet")
	t.Setenv("GATEWAY_API_ADDRESS", ":9090")
	t.Setenv("GATEWAY_HEALTH_INTERVAL", "3s")
	t.Setenv("GATEWAY_REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, types.ModeTestnet, cfg.Mode)
	assert.Equal(t, ":9090", cfg.API.Address)
	assert.Equal(t, 3*time.Second, cfg.Health.Interval)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errText string
	}{
		{"bad mode", "mode: paper\nvenues:\n  - id: binance\n", "mode"},
		{"no venues", "mode: testnet\n", "at least one venue"},
		{"duplicate venue", "venues:\n  - id: binance\n  - id: binance\n", "duplicate venue"},
		{"unknown kind", "venues:\n  - id: okx\n", "unsupported kind"},
		{"negative limits", "venues:\n  - id: binance\n    rate_limits:\n      orders: -1\n", "negative rate limits"},
		{"vault disabled", "venues:\n  - id: binance\n    credentials: vault:gateway/binance\n", "vault is disabled"},
		{"unknown fallback", "venues:\n  - id: binance\nrouting:\n  rules:\n    - symbol: BTCUSDT\n      primary: binance\n      fallback: [okx]\n", "unknown venue okx"},
		{"unknown default", "venues:\n  - id: binance\nrouting:\n  default:\n    primary: bybit\n", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestLoader_Watch(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.File())

	reloaded := make(chan *Config, 4)
	loader.Watch(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	updated := sampleConfig + "\n" + "execution:\n  maintenance_cooldown: 1m\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, time.Minute, cfg.Execution.MaintenanceCooldown)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}
