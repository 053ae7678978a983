package connection

import (
	"math"
	"time"
)

// ReconnectConfig controls the streaming reconnect backoff
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Delay returns the wait before reconnect attempt n (1-based): base * multiplier^(n-1), capped
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Config holds connection manager settings shared by every venue
type Config struct {
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	StaleThreshold    time.Duration   `mapstructure:"stale_threshold"`
	HandshakeTimeout  time.Duration   `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration   `mapstructure:"write_timeout"`
	CallTimeout       time.Duration   `mapstructure:"call_timeout"`
	RateLimitCooldown time.Duration   `mapstructure:"rate_limit_cooldown"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 10,
		},
		HeartbeatInterval: 10 * time.Second,
		StaleThreshold:    30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		CallTimeout:       10 * time.Second,
		RateLimitCooldown: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = def.RateLimitCooldown
	}
	return c
}
