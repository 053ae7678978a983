package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

// stream is one websocket connection of a venue with its own reconnect state machine
type stream struct {
	spec   types.StreamSpec
	client types.VenueClient
	codec  types.StreamCodec
	cfg    Config
	dialer *websocket.Dialer

	onMessage func(spec types.StreamSpec, raw []byte)
	emit      func(eventType types.EventType, signal types.StreamSignal)

	state         atomic.Value // types.StreamState
	failures      atomic.Int32
	reconnecting  atomic.Bool
	maxFired      atomic.Bool
	everConnected atomic.Bool
	stale         atomic.Bool
	lastMessage   atomic.Int64

	mu       sync.Mutex
	writeMu  sync.Mutex
	ctx      context.Context
	conn     *websocket.Conn
	order    []string
	channels map[string]types.Channel
	timer    *time.Timer
	stopped  bool

	logger *logrus.Entry
}

func newStream(spec types.StreamSpec, client types.VenueClient, codec types.StreamCodec, cfg Config, logger *logrus.Entry) *stream {
	s := &stream{
		spec:     spec,
		client:   client,
		codec:    codec,
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: websocket.DefaultDialer.Proxy},
		channels: make(map[string]types.Channel),
		logger:   logger.WithField("stream", spec.Name),
	}
	s.state.Store(types.StreamDisconnected)
	return s
}

// State returns the current lifecycle state
func (s *stream) State() types.StreamState {
	return s.state.Load().(types.StreamState)
}

func (s *stream) setState(state types.StreamState) {
	prev := s.State()
	s.state.Store(state)
	if prev != state {
		s.logger.WithFields(logrus.Fields{
			"from": prev,
			"to":   state,
		}).Debug("Stream state changed")
	}
}

// Stale reports whether the heartbeat check found the stream silent for too long
func (s *stream) Stale() bool {
	return s.stale.Load()
}

func (s *stream) signal(eventType types.EventType, attempt int, delay time.Duration, err error) {
	if s.emit == nil {
		return
	}
	sig := types.StreamSignal{
		Stream:  s.spec.Name,
		State:   s.State(),
		Attempt: attempt,
		Delay:   delay,
	}
	if err != nil {
		sig.Error = err.Error()
	}
	s.emit(eventType, sig)
}

// start sets the initial channel set and connects in the background
func (s *stream) start(ctx context.Context, channels []types.Channel) {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.addChannels(channels)
	s.mu.Unlock()

	go s.heartbeatLoop(ctx)
	go s.connect(false)
}

// restart re-arms a stream after FAILED or an operator request
func (s *stream) restart() {
	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.failures.Store(0)
	s.maxFired.Store(false)
	s.reconnecting.Store(false)
	go s.connect(false)
}

func (s *stream) stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.setState(types.StreamDisconnected)
}

// connect dials, authenticates and replays the active channel set
func (s *stream) connect(isReconnect bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.setState(types.StreamConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.connectFailed(isReconnect, err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	channels := s.activeChannels()
	s.mu.Unlock()

	s.installControlHandlers(conn)

	if err := s.handshake(ctx, conn, channels); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.connectFailed(isReconnect, err)
		return
	}

	// stop or restart may have replaced the connection while the handshake ran
	s.mu.Lock()
	if s.stopped || s.conn != conn {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.failures.Store(0)
	s.touch()
	s.setState(types.StreamConnected)
	s.mu.Unlock()

	s.logger.WithField("channels", len(channels)).Info("Stream connected")
	if s.everConnected.Swap(true) {
		s.signal(types.EventWSReconnected, 0, 0, nil)
	}

	go s.readLoop(conn)
}

// installControlHandlers counts websocket pings and pongs as traffic; venues that keep a socket alive
// with control frames only would otherwise look silent
func (s *stream) installControlHandlers(conn *websocket.Conn) {
	conn.SetPingHandler(func(data string) error {
		s.touch()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
}

func (s *stream) touch() {
	s.lastMessage.Store(time.Now().UnixNano())
	s.stale.Store(false)
}

func (s *stream) dial(ctx context.Context) (*websocket.Conn, error) {
	url, err := s.codec.Endpoint(ctx, s.spec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return conn, nil
}

func (s *stream) handshake(ctx context.Context, conn *websocket.Conn, channels []types.Channel) error {
	frames, err := s.codec.Handshake(ctx, s.spec)
	if err != nil {
		return fmt.Errorf("failed to build handshake: %w", err)
	}
	if len(channels) > 0 {
		subs, err := s.client.Subscribe(ctx, s.spec, channels)
		if err != nil {
			return fmt.Errorf("failed to build subscriptions: %w", err)
		}
		frames = append(frames, subs...)
	}
	for _, frame := range frames {
		if err := s.write(conn, frame); err != nil {
			return fmt.Errorf("failed to send handshake: %w", err)
		}
	}
	return nil
}

// connectFailed counts a failed reconnect attempt and either schedules the next one or gives up
func (s *stream) connectFailed(isReconnect bool, err error) {
	n := 0
	if isReconnect {
		n = int(s.failures.Add(1))
	}
	s.logger.WithError(err).WithField("failures", n).Warn("Stream connect failed")

	if limit := s.cfg.Reconnect.MaxAttempts; limit > 0 && n >= limit {
		s.setState(types.StreamFailed)
		if s.maxFired.CompareAndSwap(false, true) {
			s.logger.WithField("attempts", n).Error("Max reconnect attempts reached")
			s.signal(types.EventWSMaxReconnectReached, n, 0, err)
		}
		return
	}
	s.scheduleReconnect(err)
}

// handleDisconnect reacts to a read or write failure on conn; stale signals for old connections are ignored
func (s *stream) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stopped := s.stopped
	s.mu.Unlock()

	conn.Close()
	if stopped {
		s.setState(types.StreamDisconnected)
		return
	}
	s.logger.WithError(err).Warn("Stream disconnected")
	s.scheduleReconnect(err)
}

// scheduleReconnect arms a single cancellable timer; concurrent callers lose the CAS and return
func (s *stream) scheduleReconnect(cause error) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.reconnecting.Store(false)
		s.setState(types.StreamDisconnected)
		return
	}
	attempt := int(s.failures.Load()) + 1
	delay := s.cfg.Reconnect.Delay(attempt)
	s.setState(types.StreamReconnecting)
	s.timer = time.AfterFunc(delay, func() {
		s.reconnecting.Store(false)
		s.connect(true)
	})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("Reconnect scheduled")
	s.signal(types.EventWSReconnecting, attempt, delay, cause)
}

func (s *stream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		s.touch()
		if s.onMessage != nil {
			s.onMessage(s.spec, raw)
		}
	}
}

func (s *stream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeat()
		}
	}
}

// checkHeartbeat sends the application ping, or a websocket ping when the venue has none,
// and flags the stream stale; it never forces a reconnect
func (s *stream) checkHeartbeat() {
	if s.State() != types.StreamConnected {
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	var err error
	if frame := s.codec.Heartbeat(s.spec); frame != nil {
		err = s.write(conn, frame)
	} else {
		err = s.ping(conn)
	}
	if err != nil {
		s.handleDisconnect(conn, err)
		return
	}

	silent := time.Since(time.Unix(0, s.lastMessage.Load()))
	if silent > s.cfg.StaleThreshold && s.stale.CompareAndSwap(false, true) {
		s.logger.WithField("silent", silent).Warn("Stream is stale")
		s.signal(types.EventWSStale, 0, 0, fmt.Errorf("no message for %s", silent.Round(time.Millisecond)))
	}
}

func (s *stream) write(conn *websocket.Conn, frame interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	switch f := frame.(type) {
	case []byte:
		return conn.WriteMessage(websocket.TextMessage, f)
	case string:
		return conn.WriteMessage(websocket.TextMessage, []byte(f))
	default:
		return conn.WriteJSON(frame)
	}
}

func (s *stream) ping(conn *websocket.Conn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
}

// addChannels must be called with mu held; it returns the channels that were not yet active
func (s *stream) addChannels(channels []types.Channel) []types.Channel {
	var added []types.Channel
	for _, ch := range channels {
		key := ch.String()
		if _, ok := s.channels[key]; ok {
			continue
		}
		s.channels[key] = ch
		s.order = append(s.order, key)
		added = append(added, ch)
	}
	return added
}

// activeChannels must be called with mu held
func (s *stream) activeChannels() []types.Channel {
	out := make([]types.Channel, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.channels[key])
	}
	return out
}

// Channels returns the active subscription set in subscription order
func (s *stream) Channels() []types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChannels()
}

func (s *stream) subscribe(ctx context.Context, channels []types.Channel) error {
	s.mu.Lock()
	added := s.addChannels(channels)
	conn := s.conn
	s.mu.Unlock()

	if len(added) == 0 || conn == nil || s.State() != types.StreamConnected {
		return nil
	}
	frames, err := s.client.Subscribe(ctx, s.spec, added)
	if err != nil {
		return fmt.Errorf("failed to build subscriptions: %w", err)
	}
	for _, frame := range frames {
		if err := s.write(conn, frame); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	return nil
}

func (s *stream) unsubscribe(ctx context.Context, channels []types.Channel) error {
	s.mu.Lock()
	var removed []types.Channel
	for _, ch := range channels {
		key := ch.String()
		if _, ok := s.channels[key]; !ok {
			continue
		}
		delete(s.channels, key)
		removed = append(removed, ch)
	}
	if len(removed) > 0 {
		kept := s.order[:0]
		for _, key := range s.order {
			if _, ok := s.channels[key]; ok {
				kept = append(kept, key)
			}
		}
		s.order = kept
	}
	conn := s.conn
	s.mu.Unlock()

	if len(removed) == 0 || conn == nil || s.State() != types.StreamConnected {
		return nil
	}
	frames, err := s.client.Unsubscribe(ctx, s.spec, removed)
	if err != nil {
		return fmt.Errorf("failed to build unsubscriptions: %w", err)
	}
	for _, frame := range frames {
		if err := s.write(conn, frame); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
	}
	return nil
}
