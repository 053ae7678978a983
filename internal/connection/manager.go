package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mExOms/gateway/internal/events"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Options wires a manager to its venue and the shared components
type Options struct {
	Venue         string
	Client        types.VenueClient
	Limiter       *ratelimit.Limiter
	Cache         *cache.Realtime
	Bus           *events.Bus
	Config        Config
	Symbols       []string
	Authenticated bool
}

// StreamStatus is the state of one stream of a venue
type StreamStatus struct {
	Name     string            `json:"name"`
	State    types.StreamState `json:"state"`
	Stale    bool              `json:"stale"`
	Channels int               `json:"channels"`
}

// Manager owns one venue's one-shot call path and its streaming connections
type Manager struct {
	venue         string
	client        types.VenueClient
	codec         types.StreamCodec
	limiter       *ratelimit.Limiter
	cache         *cache.Realtime
	bus           *events.Bus
	cfg           Config
	symbols       []string
	authenticated bool

	mu      sync.RWMutex
	streams []*stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	decodeErrors atomic.Int64
	logger       *logrus.Entry
}

// NewManager creates a manager; streaming is enabled when the client implements types.StreamCodec
func NewManager(opts Options) *Manager {
	m := &Manager{
		venue:         opts.Venue,
		client:        opts.Client,
		limiter:       opts.Limiter,
		cache:         opts.Cache,
		bus:           opts.Bus,
		cfg:           opts.Config.withDefaults(),
		symbols:       append([]string(nil), opts.Symbols...),
		authenticated: opts.Authenticated,
		logger: logrus.WithFields(logrus.Fields{
			"component": "connection",
			"venue":     opts.Venue,
		}),
	}
	if codec, ok := opts.Client.(types.StreamCodec); ok {
		m.codec = codec
	}
	if m.venue == "" && opts.Client != nil {
		m.venue = opts.Client.Name()
	}
	return m
}

// Venue returns the venue id
func (m *Manager) Venue() string {
	return m.venue
}

// Client returns the underlying venue client
func (m *Manager) Client() types.VenueClient {
	return m.client
}

// Start opens every stream of the venue in the background
func (m *Manager) Start(ctx context.Context) error {
	if m.codec == nil {
		m.logger.Info("Venue client does not stream, skipping websocket")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("connection manager for %s already started", m.venue)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.streams = nil

	specs := m.codec.Streams(m.authenticated)
	channels := types.DefaultChannels(m.symbols, m.authenticated)
	for _, spec := range specs {
		var accepted []types.Channel
		for _, ch := range channels {
			if spec.Accepts(ch) {
				accepted = append(accepted, ch)
			}
		}
		s := newStream(spec, m.client, m.codec, m.cfg, m.logger)
		s.onMessage = m.handleMessage
		s.emit = m.emitSignal
		m.streams = append(m.streams, s)
		s.start(ctx, accepted)
	}

	if keeper, ok := m.client.(types.SessionKeeper); ok && m.authenticated {
		m.wg.Add(1)
		go m.keepAliveLoop(ctx, keeper)
	}

	m.logger.WithField("streams", len(specs)).Info("Connection manager started")
	return nil
}

// Stop closes every stream and cancels pending reconnects
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	streams := m.streams
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range streams {
		s.stop()
	}
	m.wg.Wait()
}

// Restart re-arms every FAILED stream
func (m *Manager) Restart() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if s.State() == types.StreamFailed {
			m.logger.WithField("stream", s.spec.Name).Info("Restarting failed stream")
			s.restart()
		}
	}
}

// Subscribe adds channels to the streams that accept them
func (m *Manager) Subscribe(ctx context.Context, channels []types.Channel) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, s := range m.streams {
		var accepted []types.Channel
		for _, ch := range channels {
			if s.spec.Accepts(ch) {
				accepted = append(accepted, ch)
			}
		}
		if len(accepted) == 0 {
			continue
		}
		if err := s.subscribe(ctx, accepted); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe removes channels from every stream
func (m *Manager) Unsubscribe(ctx context.Context, channels []types.Channel) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, s := range m.streams {
		if err := s.unsubscribe(ctx, channels); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var stateRank = map[types.StreamState]int{
	types.StreamConnected:    0,
	types.StreamConnecting:   1,
	types.StreamReconnecting: 2,
	types.StreamDisconnected: 3,
	types.StreamFailed:       4,
}

// State aggregates the streams: the least advanced state wins, FAILED above all
func (m *Manager) State() types.StreamState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.streams) == 0 {
		return types.StreamDisconnected
	}
	worst := types.StreamConnected
	for _, s := range m.streams {
		if st := s.State(); stateRank[st] > stateRank[worst] {
			worst = st
		}
	}
	return worst
}

// Stale reports whether any stream is flagged stale
func (m *Manager) Stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if s.Stale() {
			return true
		}
	}
	return false
}

// Streaming reports whether the venue has any streams
func (m *Manager) Streaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams) > 0
}

// StreamStates returns per-stream detail
func (m *Manager) StreamStates() []StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StreamStatus, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, StreamStatus{
			Name:     s.spec.Name,
			State:    s.State(),
			Stale:    s.Stale(),
			Channels: len(s.Channels()),
		})
	}
	return out
}

// DecodeErrors returns how many frames failed to decode
func (m *Manager) DecodeErrors() int64 {
	return m.decodeErrors.Load()
}

func (m *Manager) emitSignal(eventType types.EventType, signal types.StreamSignal) {
	if m.bus != nil {
		m.bus.Publish(types.NewEvent(eventType, m.venue, signal))
	}
}

func (m *Manager) keepAliveLoop(ctx context.Context, keeper types.SessionKeeper) {
	defer m.wg.Done()

	interval := keeper.KeepAliveInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			streams := append([]*stream(nil), m.streams...)
			m.mu.RUnlock()
			for _, s := range streams {
				if !s.spec.Private || s.State() != types.StreamConnected {
					continue
				}
				callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
				if err := keeper.KeepAlive(callCtx, s.spec); err != nil {
					m.logger.WithError(err).WithField("stream", s.spec.Name).Warn("Failed to keep stream session alive")
				}
				cancel()
			}
		}
	}
}

// handleMessage decodes one frame and applies the updates
func (m *Manager) handleMessage(spec types.StreamSpec, raw []byte) {
	updates, err := m.codec.Decode(spec, raw)
	if err != nil {
		m.decodeErrors.Add(1)
		m.logger.WithError(err).WithField("stream", spec.Name).Debug("Failed to decode frame")
		return
	}
	for _, u := range updates {
		m.apply(u)
	}
}

// apply stamps the arrival time, writes the cache and emits the typed event
func (m *Manager) apply(u types.StreamUpdate) {
	arrival := types.NextArrival()
	now := time.Now()

	switch u.Kind {
	case types.UpdateMarket:
		if u.Market == nil {
			return
		}
		e := *u.Market
		e.Venue, e.Arrival = m.venue, arrival
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if m.cache == nil || m.cache.PutMarket(e) {
			m.publish(types.EventPrice, e)
		}
	case types.UpdatePosition:
		if u.Position == nil {
			return
		}
		p := *u.Position
		p.Venue, p.Arrival = m.venue, arrival
		if p.Timestamp.IsZero() {
			p.Timestamp = now
		}
		if m.cache == nil || m.cache.PutPosition(p) {
			m.publish(types.EventPosition, p)
		}
	case types.UpdateOrder:
		if u.Order == nil {
			return
		}
		o := *u.Order
		o.Venue, o.Arrival = m.venue, arrival
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		if m.cache == nil || m.cache.PutOrder(o) {
			m.publish(types.EventOrder, o)
		}
	case types.UpdateExecution:
		if u.Execution == nil {
			return
		}
		x := *u.Execution
		x.Venue, x.Arrival = m.venue, arrival
		if x.Timestamp.IsZero() {
			x.Timestamp = now
		}
		m.publish(types.EventExecution, x)
	case types.UpdateBalance:
		if u.Balance == nil {
			return
		}
		b := *u.Balance.Clone()
		b.Venue, b.Arrival = m.venue, arrival
		if b.Timestamp.IsZero() {
			b.Timestamp = now
		}
		if m.cache == nil || m.cache.PutBalance(b) {
			m.publish(types.EventBalance, b)
		}
	}
}

func (m *Manager) publish(eventType types.EventType, payload interface{}) {
	if m.bus != nil {
		m.bus.Publish(types.NewEvent(eventType, m.venue, payload))
	}
}

// call runs fn under the call timeout and normalizes its error
func (m *Manager) call(ctx context.Context, category ratelimit.Category, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s %s cancelled: %w", m.venue, op, ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = types.NewVenueError(m.venue, types.ErrorKindConnectivity, "timeout", fmt.Sprintf("%s timed out after %s", op, time.Since(start).Round(time.Millisecond)), err)
	} else {
		err = types.Classify(m.venue, err)
	}

	switch types.KindOf(err) {
	case types.ErrorKindRateLimit:
		if m.limiter != nil {
			m.limiter.MarkExhausted(m.venue, category, time.Now().Add(m.cfg.RateLimitCooldown))
		}
	case types.ErrorKindAuthentication, types.ErrorKindProtocol:
		m.logger.WithError(err).WithField("op", op).Error("Venue call failed")
	default:
		m.logger.WithError(err).WithField("op", op).Warn("Venue call failed")
	}
	return err
}

func (m *Manager) acquire(category ratelimit.Category) (*ratelimit.Reservation, error) {
	if m.limiter == nil {
		return nil, nil
	}
	return m.limiter.Acquire(m.venue, category)
}

// PlaceOrder sends an order. The caller must already hold an orders reservation for this venue.
func (m *Manager) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	var ack *types.OrderAck
	err := m.call(ctx, ratelimit.CategoryOrders, "place_order", func(ctx context.Context) error {
		var err error
		ack, err = m.client.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ack == nil {
		return nil, types.NewVenueError(m.venue, types.ErrorKindProtocol, "", "empty order acknowledgement", nil)
	}
	ack.Venue = m.venue

	if m.cache != nil && ack.OrderID != "" {
		order := types.Order{
			Venue:         m.venue,
			OrderID:       ack.OrderID,
			ClientOrderID: ack.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        ack.Status,
			Quantity:      req.Quantity,
			Arrival:       types.NextArrival(),
			Timestamp:     time.Now(),
		}
		if req.Price != nil {
			order.Price = *req.Price
		}
		if ack.Price != nil {
			order.AveragePrice = *ack.Price
		}
		m.cache.PutOrder(order)
	}
	return ack, nil
}

// CancelOrder cancels an order, counting against the orders budget
func (m *Manager) CancelOrder(ctx context.Context, symbol, orderID string) error {
	res, err := m.acquire(ratelimit.CategoryOrders)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		res.Release()
		return ctx.Err()
	}
	return m.call(ctx, ratelimit.CategoryOrders, "cancel_order", func(ctx context.Context) error {
		return m.client.CancelOrder(ctx, symbol, orderID)
	})
}

// GetPrice queries the venue's current price and caches it
func (m *Manager) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := m.acquire(ratelimit.CategoryRequests)
	if err != nil {
		return decimal.Zero, err
	}
	if ctx.Err() != nil {
		res.Release()
		return decimal.Zero, ctx.Err()
	}

	var price decimal.Decimal
	err = m.call(ctx, ratelimit.CategoryRequests, "get_price", func(ctx context.Context) error {
		var err error
		price, err = m.client.GetPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, types.NewVenueError(m.venue, types.ErrorKindProtocol, "", fmt.Sprintf("non-positive price for %s", symbol), nil)
	}
	if m.cache != nil {
		m.cache.PutMarket(types.MarketEntry{
			Venue:     m.venue,
			Symbol:    symbol,
			Last:      price,
			Arrival:   types.NextArrival(),
			Timestamp: time.Now(),
		})
	}
	return price, nil
}

// GetBalance queries the account balance and caches it
func (m *Manager) GetBalance(ctx context.Context) (*types.Balance, error) {
	res, err := m.acquire(ratelimit.CategoryRequests)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		res.Release()
		return nil, ctx.Err()
	}

	var bal *types.Balance
	err = m.call(ctx, ratelimit.CategoryRequests, "get_balance", func(ctx context.Context) error {
		var err error
		bal, err = m.client.GetBalance(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, types.NewVenueError(m.venue, types.ErrorKindProtocol, "", "empty balance", nil)
	}
	bal.Venue = m.venue
	if m.cache != nil {
		cached := *bal.Clone()
		cached.Arrival = types.NextArrival()
		if cached.Timestamp.IsZero() {
			cached.Timestamp = time.Now()
		}
		m.cache.PutBalance(cached)
	}
	return bal, nil
}

// GetPositions queries open positions and caches them
func (m *Manager) GetPositions(ctx context.Context) ([]types.Position, error) {
	res, err := m.acquire(ratelimit.CategoryRequests)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		res.Release()
		return nil, ctx.Err()
	}

	var positions []types.Position
	err = m.call(ctx, ratelimit.CategoryRequests, "get_positions", func(ctx context.Context) error {
		var err error
		positions, err = m.client.GetPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].Venue = m.venue
		if m.cache != nil {
			p := positions[i]
			p.Arrival = types.NextArrival()
			if p.Timestamp.IsZero() {
				p.Timestamp = time.Now()
			}
			m.cache.PutPosition(p)
		}
	}
	return positions, nil
}

// Ping checks venue reachability; it is not counted against any budget
func (m *Manager) Ping(ctx context.Context) error {
	return types.Classify(m.venue, m.client.Ping(ctx))
}
