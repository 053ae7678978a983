package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mExOms/gateway/internal/connection"
	"github.com/mExOms/gateway/internal/logging"
	"github.com/mExOms/gateway/internal/marketdata"
	"github.com/mExOms/gateway/internal/monitor"
	"github.com/mExOms/gateway/pkg/nats"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/mExOms/gateway/pkg/vault"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GATEWAY_API_ADDRESS
const EnvPrefix = "GATEWAY"

// Config is the full gateway configuration
type Config struct {
	Mode       string              `mapstructure:"mode"`
	Venues     []types.VenueConfig `mapstructure:"venues"`
	Routing    RoutingConfig       `mapstructure:"routing"`
	Limits     LimitsConfig        `mapstructure:"limits"`
	Connection connection.Config   `mapstructure:"connection"`
	Health     monitor.Config      `mapstructure:"health"`
	Execution  ExecutionConfig     `mapstructure:"execution"`
	MarketData marketdata.Config   `mapstructure:"marketdata"`
	Events     EventsConfig        `mapstructure:"events"`
	Logging    logging.Config      `mapstructure:"logging"`
	Vault      VaultConfig         `mapstructure:"vault"`
	NATS       NATSConfig          `mapstructure:"nats"`
	Redis      RedisConfig         `mapstructure:"redis"`
	API        APIConfig           `mapstructure:"api"`
}

// RoutingConfig holds the routing table
type RoutingConfig struct {
	Rules   []types.RoutingRule `mapstructure:"rules"`
	Default *types.RoutingRule  `mapstructure:"default"`
}

// LimitsConfig holds rate limit settings shared by all venues
type LimitsConfig struct {
	// Window applies to venues that do not set their own
	Window time.Duration `mapstructure:"window"`
}

// ExecutionConfig holds order execution settings
type ExecutionConfig struct {
	MaintenanceCooldown time.Duration `mapstructure:"maintenance_cooldown"`
}

// EventsConfig sizes the internal subscriptions feeding the sinks
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// VaultConfig enables Vault-backed credential references
type VaultConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	vault.Config `mapstructure:",squash"`
}

// NATSConfig enables the NATS event sink
type NATSConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	nats.Config `mapstructure:",squash"`
}

// RedisConfig enables the Redis mirror
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// APIConfig holds the admin HTTP listener
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", types.ModeProduction)

	v.SetDefault("limits.window", time.Minute)

	v.SetDefault("connection.reconnect.base_delay", time.Second)
	v.SetDefault("connection.reconnect.multiplier", 2.0)
	v.SetDefault("connection.reconnect.max_delay", 60*time.Second)
	v.SetDefault("connection.reconnect.max_attempts", 10)
	v.SetDefault("connection.heartbeat_interval", 10*time.Second)
	v.SetDefault("connection.stale_threshold", 30*time.Second)
	v.SetDefault("connection.handshake_timeout", 10*time.Second)
	v.SetDefault("connection.write_timeout", 5*time.Second)
	v.SetDefault("connection.call_timeout", 10*time.Second)
	v.SetDefault("connection.rate_limit_cooldown", 30*time.Second)

	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("health.latency_threshold", 500*time.Millisecond)
	v.SetDefault("health.maintenance_cooldown", 5*time.Minute)

	v.SetDefault("execution.maintenance_cooldown", 5*time.Minute)

	v.SetDefault("marketdata.max_quote_age", 2*time.Second)
	v.SetDefault("marketdata.probe_timeout", 5*time.Second)

	v.SetDefault("events.buffer", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount", "secret")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_id", "gateway")
	v.SetDefault("nats.prefix", nats.DefaultPrefix)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 2*time.Minute)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.address", ":8080")
}

// Loader reads configuration from a file plus environment overrides
type Loader struct {
	v      *viper.Viper
	once   sync.Once
	logger *logrus.Entry
}

// NewLoader reads the config file at path. An empty path searches ./configs and the working directory for gateway.yaml.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Loader{v: v, logger: logrus.WithField("component", "config")}, nil
}

// Load reads, decodes and validates the configuration at path
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// File returns the config file in use, or "" when running on defaults and env
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Config decodes and validates the current configuration
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with every valid configuration written to the file.
// Invalid edits are logged and skipped so the running configuration stays in place.
func (l *Loader) Watch(fn func(*Config)) {
	if l.File() == "" {
		l.logger.Warn("No config file to watch")
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Config()
		if err != nil {
			l.logger.WithError(err).WithField("file", e.Name).Warn("Ignoring invalid config change")
			return
		}
		l.logger.WithField("file", e.Name).Info("Config reloaded")
		fn(cfg)
	})
	l.once.Do(l.v.WatchConfig)
}

// normalize fills per-venue values from shared settings
func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	for i := range c.Venues {
		v := &c.Venues[i]
		v.ID = strings.TrimSpace(v.ID)
		v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
		if v.Kind == "" {
			v.Kind = strings.ToLower(v.ID)
		}
		if v.RateLimits.Window <= 0 {
			v.RateLimits.Window = c.Limits.Window
		}
		for j, s := range v.Symbols {
			v.Symbols[j] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	for i := range c.Routing.Rules {
		c.Routing.Rules[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Routing.Rules[i].Symbol))
	}
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	if c.Mode != types.ModeTestnet && c.Mode != types.ModeProduction {
		return fmt.Errorf("mode must be %q or %q, got %q", types.ModeTestnet, types.ModeProduction, c.Mode)
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}

	known := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.ID == "" {
			return fmt.Errorf("venue id is required")
		}
		if known[v.ID] {
			return fmt.Errorf("duplicate venue %s", v.ID)
		}
		known[v.ID] = true

		switch v.Kind {
		case types.VenueKindBinance, types.VenueKindBybit, types.VenueKindKucoin:
		default:
			return fmt.Errorf("venue %s has unsupported kind %q", v.ID, v.Kind)
		}
		if v.RateLimits.Orders < 0 || v.RateLimits.Requests < 0 {
			return fmt.Errorf("venue %s has negative rate limits", v.ID)
		}
		if strings.HasPrefix(v.Credentials, "vault:") && !c.Vault.Enabled {
			return fmt.Errorf("venue %s uses vault credentials but vault is disabled", v.ID)
		}
	}

	if err := c.Routing.validate(known); err != nil {
		return err
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api.address is required when the api is enabled")
	}
	return nil
}

// validate checks that every rule names configured venues.
// Structural checks live in the routing engine.
func (r RoutingConfig) validate(known map[string]bool) error {
	check := func(rule types.RoutingRule, name string) error {
		for _, id := range rule.Chain() {
			if !known[id] {
				return fmt.Errorf("routing rule %s references unknown venue %s", name, id)
			}
		}
		return nil
	}
	for _, rule := range r.Rules {
		if err := check(rule, rule.Key()); err != nil {
			return err
		}
	}
	if r.Default != nil {
		if err := check(*r.Default, "default"); err != nil {
			return err
		}
	}
	return nil
}

// VenueIDs lists configured venue ids in file order
func (c *Config) VenueIDs() []string {
	ids := make([]string, len(c.Venues))
	for i, v := range c.Venues {
		ids[i] = v.ID
	}
	return ids
}
