package types

import (
	"strings"
	"time"
)

// Trading modes
const (
	ModeTestnet    = "testnet"
	ModeProduction = "production"
)

// Venue kinds supported by the client factory
const (
	VenueKindBinance = "binance"
	VenueKindBybit   = "bybit"
	VenueKindKucoin  = "kucoin"
)

// Endpoints holds the base URLs of one venue for one mode
type Endpoints struct {
	REST          string `mapstructure:"rest" json:"rest"`
	Stream        string `mapstructure:"stream" json:"stream"`
	PrivateStream string `mapstructure:"private_stream" json:"private_stream"`
}

// RateLimits holds per-category budgets of a venue
type RateLimits struct {
	Orders   int           `mapstructure:"orders" json:"orders"`
	Requests int           `mapstructure:"requests" json:"requests"`
	Window   time.Duration `mapstructure:"window" json:"window"`
}

// VenueConfig describes one tradable venue
type VenueConfig struct {
	ID          string               `mapstructure:"id" json:"id"`
	Kind        string               `mapstructure:"kind" json:"kind"`
	Priority    int                  `mapstructure:"priority" json:"priority"`
	Active      bool                 `mapstructure:"active" json:"active"`
	Endpoints   map[string]Endpoints `mapstructure:"endpoints" json:"endpoints"`
	Credentials string               `mapstructure:"credentials" json:"-"`
	RateLimits  RateLimits           `mapstructure:"rate_limits" json:"rate_limits"`
	Symbols     []string             `mapstructure:"symbols" json:"symbols"`
	Features    []string             `mapstructure:"features" json:"features"`
	SymbolMap   map[string]string    `mapstructure:"symbol_map" json:"symbol_map,omitempty"`
}

// Supports reports whether the venue trades the symbol; an empty list means all symbols
func (c VenueConfig) Supports(symbol string) bool {
	if len(c.Symbols) == 0 {
		return true
	}
	for _, s := range c.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// HasFeature reports whether the venue advertises a feature
func (c VenueConfig) HasFeature(feature string) bool {
	for _, f := range c.Features {
		if strings.EqualFold(f, feature) {
			return true
		}
	}
	return false
}

// EndpointsFor returns the configured endpoints for a mode
func (c VenueConfig) EndpointsFor(mode string) Endpoints {
	if c.Endpoints == nil {
		return Endpoints{}
	}
	return c.Endpoints[mode]
}

// Clone returns a deep copy
func (c VenueConfig) Clone() VenueConfig {
	out := c
	if c.Endpoints != nil {
		out.Endpoints = make(map[string]Endpoints, len(c.Endpoints))
		for k, v := range c.Endpoints {
			out.Endpoints[k] = v
		}
	}
	out.Symbols = append([]string(nil), c.Symbols...)
	out.Features = append([]string(nil), c.Features...)
	if c.SymbolMap != nil {
		out.SymbolMap = make(map[string]string, len(c.SymbolMap))
		for k, v := range c.SymbolMap {
			out.SymbolMap[k] = v
		}
	}
	return out
}

// VenueStatus is the health classification of a venue
type VenueStatus string

const (
	StatusHealthy     VenueStatus = "HEALTHY"
	StatusSlow        VenueStatus = "SLOW"
	StatusRateLimited VenueStatus = "RATE_LIMITED"
	StatusMaintenance VenueStatus = "MAINTENANCE"
	StatusError       VenueStatus = "ERROR"
	StatusStandby     VenueStatus = "STANDBY"
)

// Valid reports whether s is a known status
func (s VenueStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusSlow, StatusRateLimited, StatusMaintenance, StatusError, StatusStandby:
		return true
	}
	return false
}

// ConnectionState is the health monitor's view of one venue
type ConnectionState struct {
	Venue     string        `json:"venue"`
	Status    VenueStatus   `json:"status"`
	Latency   time.Duration `json:"latency"`
	LastCheck time.Time     `json:"last_check"`
	LastError string        `json:"last_error,omitempty"`
}

// StreamState is the lifecycle state of one streaming connection
type StreamState string

const (
	StreamDisconnected StreamState = "DISCONNECTED"
	StreamConnecting   StreamState = "CONNECTING"
	StreamConnected    StreamState = "CONNECTED"
	StreamReconnecting StreamState = "RECONNECTING"
	StreamFailed       StreamState = "FAILED"
)

// RoutingRule maps a symbol or order category to a primary venue and ordered fallbacks
type RoutingRule struct {
	Symbol    string        `mapstructure:"symbol" json:"symbol,omitempty"`
	Category  OrderCategory `mapstructure:"category" json:"category,omitempty"`
	Primary   string        `mapstructure:"primary" json:"primary"`
	Fallback  []string      `mapstructure:"fallback" json:"fallback"`
	Criterion string        `mapstructure:"criterion" json:"criterion,omitempty"`
}

// Chain returns primary followed by the fallback list, without duplicates
func (r RoutingRule) Chain() []string {
	chain := make([]string, 0, 1+len(r.Fallback))
	seen := make(map[string]bool, 1+len(r.Fallback))
	for _, id := range append([]string{r.Primary}, r.Fallback...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	return chain
}

// Key returns a label identifying the rule in logs
func (r RoutingRule) Key() string {
	switch {
	case r.Symbol != "":
		return "symbol:" + r.Symbol
	case r.Category != "":
		return "category:" + string(r.Category)
	default:
		return "default"
	}
}

// Credentials are the resolved API keys of one venue
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Empty reports whether no key is configured; such a venue only uses public endpoints
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// String never prints secrets
func (c Credentials) String() string {
	if c.Empty() {
		return "credentials(none)"
	}
	key := c.APIKey
	if len(key) > 4 {
		key = key[:4] + "****"
	}
	return "credentials(" + key + ")"
}
