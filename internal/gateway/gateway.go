// Package gateway assembles the venue connections, health monitor, router and
// price aggregator behind one operator-facing API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mExOms/gateway/internal/config"
	"github.com/mExOms/gateway/internal/connection"
	"github.com/mExOms/gateway/internal/credentials"
	"github.com/mExOms/gateway/internal/events"
	"github.com/mExOms/gateway/internal/exchange"
	"github.com/mExOms/gateway/internal/marketdata"
	"github.com/mExOms/gateway/internal/monitor"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/internal/router"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/nats"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/mExOms/gateway/pkg/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deps replaces components that would otherwise be built from config
type Deps struct {
	// Clients are used instead of the factory for the venues they name
	Clients map[string]types.VenueClient
	// Credentials resolves credential references; built from config when nil
	Credentials exchange.CredentialSource
	// Registerer receives every collector; metrics are disabled when nil
	Registerer prometheus.Registerer
	// Redis enables the Redis mirror regardless of config
	Redis cache.RedisSetter
	// NATS enables the NATS sink regardless of config
	NATS nats.Publisher
}

// Gateway is the assembled multi-venue gateway
type Gateway struct {
	cfg        *config.Config
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	cache      *cache.Realtime
	metadata   *cache.MemoryCache
	bus        *events.Bus
	venues     *exchange.Manager
	monitor    *monitor.Monitor
	engine     *router.Engine
	executor   *router.Executor
	aggregator *marketdata.Aggregator

	mirror     *cache.RedisMirror
	sink       *nats.Sink
	closers    []func()
	sinkCancel context.CancelFunc
	sinkWG     sync.WaitGroup
	startMu    sync.Mutex
	started    bool
	logger     *logrus.Entry
}

// New builds every component from cfg. Venue clients are created and their credentials resolved here.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	g := &Gateway{
		cfg:      cfg,
		cache:    cache.NewRealtime(),
		metadata: cache.NewMemoryCache(time.Minute),
		bus:      events.NewBus(),
		venues:   exchange.NewManager(),
		logger:   logrus.WithField("component", "gateway"),
	}
	g.closers = append(g.closers, g.metadata.Close)

	fail := func(err error) (*Gateway, error) {
		g.close()
		return nil, err
	}

	reg, err := registry.New(cfg.Venues)
	if err != nil {
		return fail(fmt.Errorf("failed to build venue registry: %w", err))
	}
	g.registry = reg
	g.limiter = ratelimit.New(reg)

	var healthMetrics *monitor.Metrics
	if deps.Registerer != nil {
		if err := g.limiter.Register(deps.Registerer); err != nil {
			return fail(fmt.Errorf("failed to register limiter metrics: %w", err))
		}
		if err := g.bus.Register(deps.Registerer); err != nil {
			return fail(fmt.Errorf("failed to register event metrics: %w", err))
		}
		if healthMetrics, err = monitor.NewMetrics(deps.Registerer); err != nil {
			return fail(fmt.Errorf("failed to register health metrics: %w", err))
		}
	}

	creds := deps.Credentials
	if creds == nil {
		if creds, err = g.credentialResolver(); err != nil {
			return fail(err)
		}
	}

	factory := exchange.NewFactory(exchange.FactoryOptions{
		Mode:        cfg.Mode,
		Credentials: creds,
		OnExhausted: g.limiter.MarkExhausted,
		Metadata:    g.metadata,
	})

	g.monitor = monitor.New(monitor.Options{
		Registry: reg,
		Limiter:  g.limiter,
		Bus:      g.bus,
		Metrics:  healthMetrics,
		Config:   cfg.Health,
	})

	for _, venue := range reg.List() {
		client, authenticated, err := g.client(ctx, factory, deps, venue)
		if err != nil {
			return fail(err)
		}
		cm := connection.NewManager(connection.Options{
			Venue:         venue.ID,
			Client:        client,
			Limiter:       g.limiter,
			Cache:         g.cache,
			Bus:           g.bus,
			Config:        cfg.Connection,
			Symbols:       venue.Symbols,
			Authenticated: authenticated,
		})
		if err := g.venues.Add(cm); err != nil {
			return fail(err)
		}
		g.monitor.AddVenue(venue.ID, cm)
	}

	if g.engine, err = router.NewEngine(reg, g.monitor, cfg.Routing.Rules, cfg.Routing.Default); err != nil {
		return fail(fmt.Errorf("failed to load routing rules: %w", err))
	}

	g.executor, err = router.NewExecutor(router.ExecutorOptions{
		Engine:              g.engine,
		Venues:              g.venues,
		Limiter:             g.limiter,
		Health:              g.monitor,
		Registerer:          deps.Registerer,
		MaintenanceCooldown: cfg.Execution.MaintenanceCooldown,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to build executor: %w", err))
	}

	g.aggregator = marketdata.NewAggregator(marketdata.Options{
		Registry: reg,
		Venues:   g.venues,
		Cache:    g.cache,
		Config:   cfg.MarketData,
	})

	if err := g.buildSinks(deps); err != nil {
		return fail(err)
	}

	g.logger.WithFields(logrus.Fields{
		"mode":   cfg.Mode,
		"venues": len(cfg.Venues),
		"rules":  len(cfg.Routing.Rules),
	}).Info("Gateway assembled")
	return g, nil
}

func (g *Gateway) credentialResolver() (exchange.CredentialSource, error) {
	if !g.cfg.Vault.Enabled {
		return credentials.NewResolver(nil), nil
	}
	vc, err := vault.NewClient(g.cfg.Vault.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	return credentials.NewResolver(vc), nil
}

func (g *Gateway) client(ctx context.Context, factory *exchange.Factory, deps Deps, venue types.VenueConfig) (types.VenueClient, bool, error) {
	if client, ok := deps.Clients[venue.ID]; ok {
		return client, venue.Credentials != "", nil
	}
	built, err := factory.Create(ctx, venue)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create client for %s: %w", venue.ID, err)
	}
	return built.Client, built.Authenticated, nil
}

func (g *Gateway) buildSinks(deps Deps) error {
	switch {
	case deps.Redis != nil:
		g.mirror = cache.NewRedisMirror(deps.Redis, g.cfg.Redis.TTL)
	case g.cfg.Redis.Enabled:
		client := redis.NewClient(&redis.Options{
			Addr:     g.cfg.Redis.Addr,
			Password: g.cfg.Redis.Password,
			DB:       g.cfg.Redis.DB,
		})
		g.closers = append(g.closers, func() { client.Close() })
		g.mirror = cache.NewRedisMirror(client, g.cfg.Redis.TTL)
	}

	switch {
	case deps.NATS != nil:
		g.sink = nats.NewSink(deps.NATS, g.cfg.NATS.Prefix)
	case g.cfg.NATS.Enabled:
		client, err := nats.Connect(g.cfg.NATS.Config)
		if err != nil {
			return err
		}
		g.closers = append(g.closers, client.Close)
		g.sink = nats.NewSink(client.Publisher(), client.Prefix())
	}
	return nil
}

// Start opens venue streams, starts health checks and runs the event sinks
func (g *Gateway) Start(ctx context.Context) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.started {
		return fmt.Errorf("gateway already started")
	}

	sinkCtx, cancel := context.WithCancel(ctx)
	g.sinkCancel = cancel
	buffer := g.cfg.Events.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	if g.mirror != nil {
		sub := g.bus.Subscribe("redis-mirror", buffer, events.DropOldest)
		g.runSink(func() { g.mirror.Run(sinkCtx, sub.C()) })
	}
	if g.sink != nil {
		sub := g.bus.Subscribe("nats-sink", buffer, events.DropOldest)
		g.runSink(func() { g.sink.Run(sinkCtx, sub.C()) })
	}

	if err := g.venues.StartAll(ctx); err != nil {
		g.logger.WithError(err).Warn("Some venues failed to start streaming")
	}
	if err := g.monitor.Start(ctx); err != nil {
		g.venues.StopAll()
		cancel()
		g.sinkWG.Wait()
		return fmt.Errorf("failed to start health monitor: %w", err)
	}

	g.started = true
	g.logger.Info("Gateway started")
	return nil
}

func (g *Gateway) runSink(run func()) {
	g.sinkWG.Add(1)
	go func() {
		defer g.sinkWG.Done()
		run()
	}()
}

// Stop shuts components down in reverse start order
func (g *Gateway) Stop() {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.monitor.Stop()
	g.venues.StopAll()
	if g.sinkCancel != nil {
		g.sinkCancel()
	}
	g.bus.Close()
	g.sinkWG.Wait()
	g.close()
	g.started = false
	g.logger.Info("Gateway stopped")
}

func (g *Gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

// ExecuteOrder routes an order along its failover chain
func (g *Gateway) ExecuteOrder(ctx context.Context, req *types.OrderRequest) (*types.ExecutionResult, error) {
	return g.executor.ExecuteOrder(ctx, req)
}

// CancelOrder cancels an order on the venue that accepted it
func (g *Gateway) CancelOrder(ctx context.Context, venue, symbol, orderID string) error {
	return g.executor.CancelOrder(ctx, venue, symbol, orderID)
}

// GetBestPrice returns the lowest quote across active venues
func (g *Gateway) GetBestPrice(ctx context.Context, symbol string) (*types.BestPrice, error) {
	return g.aggregator.GetBestPrice(ctx, symbol)
}

// CheckHealth probes every venue now instead of waiting for the next tick
func (g *Gateway) CheckHealth(ctx context.Context) []types.ConnectionState {
	g.monitor.CheckAll(ctx)
	return g.monitor.States()
}

// VenueReport is the operator view of one venue
type VenueReport struct {
	Venue     string                                       `json:"venue"`
	Status    types.VenueStatus                            `json:"status"`
	Latency   time.Duration                                `json:"latency"`
	Active    bool                                         `json:"active"`
	Priority  int                                          `json:"priority"`
	LastCheck time.Time                                    `json:"last_check"`
	LastError string                                       `json:"last_error,omitempty"`
	Stream    types.StreamState                            `json:"stream"`
	Streams   []connection.StreamStatus                    `json:"streams,omitempty"`
	Limits    map[ratelimit.Category]ratelimit.WindowState `json:"limits,omitempty"`
}

// Report is a point-in-time view of the gateway
type Report struct {
	Venues      []VenueReport  `json:"venues"`
	Execution   router.Metrics `json:"execution"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Report returns per-venue health plus execution statistics
func (g *Gateway) Report() Report {
	venues := g.registry.List()

	report := Report{
		Venues:      make([]VenueReport, 0, len(venues)),
		Execution:   g.executor.Metrics(),
		GeneratedAt: time.Now(),
	}
	for _, venue := range venues {
		state := g.monitor.State(venue.ID)
		vr := VenueReport{
			Venue:     venue.ID,
			Status:    state.Status,
			Latency:   state.Latency,
			Active:    venue.Active,
			Priority:  venue.Priority,
			LastCheck: state.LastCheck,
			LastError: state.LastError,
			Stream:    types.StreamDisconnected,
			Limits:    g.limiter.Snapshot(venue.ID),
		}
		if cm, err := g.venues.Get(venue.ID); err == nil {
			vr.Stream = cm.State()
			vr.Streams = cm.StreamStates()
		}
		report.Venues = append(report.Venues, vr)
	}
	return report
}

// SetVenueActive takes a venue in or out of rotation. Reactivation clears a latched auth fault.
func (g *Gateway) SetVenueActive(venue string, active bool) error {
	return g.registry.SetActive(venue, active)
}

// SetMaintenance keeps a venue out of rotation until the given time
func (g *Gateway) SetMaintenance(venue string, until time.Time) error {
	if _, ok := g.registry.Get(venue); !ok {
		return fmt.Errorf("%w: %s", types.ErrVenueNotFound, venue)
	}
	g.monitor.SetMaintenance(venue, until)
	return nil
}

// ClearMaintenance returns a venue from a maintenance window early
func (g *Gateway) ClearMaintenance(venue string) error {
	if _, ok := g.registry.Get(venue); !ok {
		return fmt.Errorf("%w: %s", types.ErrVenueNotFound, venue)
	}
	g.monitor.ClearMaintenance(venue)
	return nil
}

// Events subscribes to the gateway event stream
func (g *Gateway) Events(name string, buffer int, policy events.Policy, eventTypes ...types.EventType) *events.Subscription {
	return g.bus.Subscribe(name, buffer, policy, eventTypes...)
}

// Unsubscribe removes an event subscription
func (g *Gateway) Unsubscribe(sub *events.Subscription) {
	g.bus.Unsubscribe(sub)
}

// ReloadRouting swaps in the routing table of cfg. Venue settings are not reloaded.
func (g *Gateway) ReloadRouting(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	for _, rule := range cfg.Routing.Rules {
		for _, id := range rule.Chain() {
			if _, ok := g.registry.Get(id); !ok {
				return fmt.Errorf("routing rule %s references unknown venue %s", rule.Key(), id)
			}
		}
	}
	return g.engine.ReplaceRules(cfg.Routing.Rules, cfg.Routing.Default)
}

// Cache returns the realtime market and account cache
func (g *Gateway) Cache() *cache.Realtime {
	return g.cache
}
