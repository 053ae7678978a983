package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mExOms/gateway/internal/exchange"
	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Price sources
const (
	SourceCache = "cache"
	SourceREST  = "rest"
)

// Config controls how fresh a cached quote must be
type Config struct {
	MaxQuoteAge  time.Duration `mapstructure:"max_quote_age"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// Options wires the aggregator
type Options struct {
	Registry *registry.Registry
	Venues   *exchange.Manager
	Cache    *cache.Realtime
	Config   Config
}

// Aggregator answers best-price queries across venues
type Aggregator struct {
	registry *registry.Registry
	venues   *exchange.Manager
	cache    *cache.Realtime
	cfg      Config
	now      func() time.Time
	logger   *logrus.Entry
}

// NewAggregator creates a best-price aggregator
func NewAggregator(opts Options) *Aggregator {
	if opts.Config.MaxQuoteAge <= 0 {
		opts.Config.MaxQuoteAge = 2 * time.Second
	}
	if opts.Config.ProbeTimeout <= 0 {
		opts.Config.ProbeTimeout = 5 * time.Second
	}
	return &Aggregator{
		registry: opts.Registry,
		venues:   opts.Venues,
		cache:    opts.Cache,
		cfg:      opts.Config,
		now:      time.Now,
		logger:   logrus.WithField("component", "marketdata"),
	}
}

type quote struct {
	price    types.VenuePrice
	priority int
	err      error
}

// GetBestPrice quotes the symbol on every active venue that supports it and returns the lowest
func (a *Aggregator) GetBestPrice(ctx context.Context, symbol string) (*types.BestPrice, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var venues []types.VenueConfig
	for _, cfg := range a.registry.Active() {
		if cfg.Supports(symbol) {
			venues = append(venues, cfg)
		}
	}
	if len(venues) == 0 {
		return nil, fmt.Errorf("%w: no active venue supports %s", types.ErrNoPriceAvailable, symbol)
	}

	quotes := make([]quote, len(venues))
	var wg sync.WaitGroup
	for i, cfg := range venues {
		wg.Add(1)
		go func(i int, cfg types.VenueConfig) {
			defer wg.Done()
			quotes[i] = a.quote(ctx, cfg, symbol)
		}(i, cfg)
	}
	wg.Wait()

	var (
		prices []types.VenuePrice
		best   *quote
		errs   []error
	)
	for i := range quotes {
		q := &quotes[i]
		if q.err != nil {
			errs = append(errs, q.err)
			continue
		}
		prices = append(prices, q.price)
		if best == nil || q.price.Price.LessThan(best.price.Price) ||
			(q.price.Price.Equal(best.price.Price) && q.priority < best.priority) {
			best = q
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w for %s: %w", types.ErrNoPriceAvailable, symbol, errors.Join(errs...))
	}

	sort.Slice(prices, func(i, j int) bool {
		if !prices[i].Price.Equal(prices[j].Price) {
			return prices[i].Price.LessThan(prices[j].Price)
		}
		return prices[i].Venue < prices[j].Venue
	})

	result := &types.BestPrice{
		Symbol:    symbol,
		Best:      best.price,
		AllPrices: prices,
		Spread:    prices[len(prices)-1].Price.Sub(prices[0].Price),
	}
	a.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"venue":  result.Best.Venue,
		"price":  result.Best.Price,
		"quotes": len(prices),
		"failed": len(errs),
	}).Debug("Best price computed")
	return result, nil
}

// quote uses a fresh cached quote or falls back to a REST call
func (a *Aggregator) quote(ctx context.Context, cfg types.VenueConfig, symbol string) quote {
	q := quote{priority: cfg.Priority}

	if a.cache != nil {
		if entry, ok := a.cache.GetVenueMarket(cfg.ID, symbol); ok {
			fresh := !entry.Timestamp.IsZero() && a.now().Sub(entry.Timestamp) <= a.cfg.MaxQuoteAge
			if price := entry.Price(); fresh && price.IsPositive() {
				q.price = types.VenuePrice{Venue: cfg.ID, Price: price, Source: SourceCache}
				return q
			}
		}
	}

	cm, err := a.venues.Get(cfg.ID)
	if err != nil {
		q.err = err
		return q
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()

	price, err := cm.GetPrice(probeCtx, symbol)
	if err != nil {
		q.err = fmt.Errorf("%s: %w", cfg.ID, err)
		return q
	}
	if !price.GreaterThan(decimal.Zero) {
		q.err = fmt.Errorf("%s: non-positive price", cfg.ID)
		return q
	}
	q.price = types.VenuePrice{Venue: cfg.ID, Price: price, Source: SourceREST}
	return q
}
