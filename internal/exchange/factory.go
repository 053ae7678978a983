package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/mExOms/gateway/services/binance"
	"github.com/mExOms/gateway/services/bybit"
	"github.com/mExOms/gateway/services/kucoin"
	"github.com/sirupsen/logrus"
)

// CredentialSource resolves a venue's opaque credential reference
type CredentialSource interface {
	Resolve(ctx context.Context, ref string) (types.Credentials, error)
}

// Built is a venue client plus whether it has credentials for private endpoints
type Built struct {
	Client        types.VenueClient
	Authenticated bool
}

// Factory creates venue clients from venue config
type Factory struct {
	mode        string
	credentials CredentialSource
	onExhausted ratelimit.ExhaustionFunc
	metadata    *cache.MemoryCache
	logger      *logrus.Entry
}

// FactoryOptions configures a factory
type FactoryOptions struct {
	// Mode selects testnet or production endpoints
	Mode        string
	Credentials CredentialSource
	// OnExhausted receives venue-reported limits, usually Limiter.MarkExhausted
	OnExhausted ratelimit.ExhaustionFunc
	// Metadata is shared by clients that cache contract details
	Metadata *cache.MemoryCache
}

// NewFactory creates a new venue client factory
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Mode == "" {
		opts.Mode = types.ModeProduction
	}
	return &Factory{
		mode:        opts.Mode,
		credentials: opts.Credentials,
		onExhausted: opts.OnExhausted,
		metadata:    opts.Metadata,
		logger:      logrus.WithField("component", "exchange_factory"),
	}
}

// Create builds the client for one venue based on its kind
func (f *Factory) Create(ctx context.Context, cfg types.VenueConfig) (*Built, error) {
	var creds types.Credentials
	if cfg.Credentials != "" {
		if f.credentials == nil {
			return nil, fmt.Errorf("venue %s references credentials but no resolver is configured", cfg.ID)
		}
		resolved, err := f.credentials.Resolve(ctx, cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credentials for %s: %w", cfg.ID, err)
		}
		creds = resolved
	}

	endpoints := cfg.EndpointsFor(f.mode)
	normalizer := types.GetNormalizer(strings.ToLower(cfg.Kind), cfg.SymbolMap)

	var client types.VenueClient
	switch strings.ToLower(cfg.Kind) {
	case types.VenueKindBinance:
		if endpoints.REST == "" && f.mode == types.ModeTestnet {
			endpoints.REST, endpoints.Stream = binance.TestnetRESTURL, binance.TestnetStreamURL
		}
		client = binance.NewClient(binance.Config{
			ID:          cfg.ID,
			Endpoints:   endpoints,
			Credentials: creds,
			Normalizer:  normalizer,
		})

	case types.VenueKindBybit:
		if endpoints.REST == "" && f.mode == types.ModeTestnet {
			endpoints = types.Endpoints{REST: bybit.BaseURLTestnet, Stream: bybit.WSTestnetLinear, PrivateStream: bybit.WSTestnetPrivate}
		}
		client = bybit.NewClient(bybit.Config{
			ID:          cfg.ID,
			Endpoints:   endpoints,
			Credentials: creds,
			Normalizer:  normalizer,
			OnExhausted: f.onExhausted,
		})

	case types.VenueKindKucoin:
		client = kucoin.NewClient(kucoin.Config{
			ID:          cfg.ID,
			Endpoints:   endpoints,
			Credentials: creds,
			Normalizer:  normalizer,
			Metadata:    f.metadata,
			OnExhausted: f.onExhausted,
		})

	default:
		return nil, fmt.Errorf("unsupported venue kind %q for %s", cfg.Kind, cfg.ID)
	}

	f.logger.WithFields(logrus.Fields{
		"venue":       cfg.ID,
		"kind":        cfg.Kind,
		"mode":        f.mode,
		"credentials": creds.String(),
	}).Info("Created venue client")

	return &Built{Client: client, Authenticated: !creds.Empty()}, nil
}
