package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectConfig_Delay(t *testing.T) {
	cfg := DefaultConfig().Reconnect

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, cfg.Delay(i+1), "attempt %d", i+1)
	}
}

func TestReconnectConfig_DelayClampsAttempt(t *testing.T) {
	cfg := ReconnectConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 0.5}
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(5))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{CallTimeout: time.Second}.withDefaults()

	assert.Equal(t, time.Second, cfg.CallTimeout)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.StaleThreshold)
	assert.Equal(t, float64(2), cfg.Reconnect.Multiplier)
}
