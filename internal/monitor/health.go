package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mExOms/gateway/internal/events"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

// Prober is the view of a venue connection the monitor probes
type Prober interface {
	Ping(ctx context.Context) error
	State() types.StreamState
	Stale() bool
	Streaming() bool
}

// Config controls probing
type Config struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	// MaintenanceCooldown is how long a venue-reported maintenance keeps the venue out of rotation
	MaintenanceCooldown time.Duration `mapstructure:"maintenance_cooldown"`
}

// DefaultConfig returns the default probe settings
func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Second,
		ProbeTimeout:        5 * time.Second,
		LatencyThreshold:    500 * time.Millisecond,
		MaintenanceCooldown: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.MaintenanceCooldown <= 0 {
		c.MaintenanceCooldown = def.MaintenanceCooldown
	}
	return c
}

// Options wires the monitor to the shared components
type Options struct {
	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Bus      *events.Bus
	Metrics  *Metrics
	Config   Config
}

// venueHealth is the mutable health record of one venue
type venueHealth struct {
	mu sync.Mutex

	status    types.VenueStatus
	reason    string
	latency   time.Duration
	lastCheck time.Time
	probed    bool
	probeErr  string

	override         types.VenueStatus
	maintenanceUntil time.Time
	authFault        string
}

// Monitor classifies every venue into a VenueStatus
type Monitor struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	metrics  *Metrics
	cfg      Config
	now      func() time.Time

	mu      sync.RWMutex
	probers map[string]Prober
	venues  map[string]*venueHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logrus.Entry
}

// New creates a monitor; every venue starts in STANDBY
func New(opts Options) *Monitor {
	m := &Monitor{
		registry: opts.Registry,
		limiter:  opts.Limiter,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		cfg:      opts.Config.withDefaults(),
		now:      time.Now,
		probers:  make(map[string]Prober),
		venues:   make(map[string]*venueHealth),
		logger:   logrus.WithField("component", "monitor"),
	}
	if m.registry != nil {
		m.registry.OnChange(m.venueChanged)
	}
	return m
}

// SetClock replaces the time source
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// AddVenue registers the prober of a venue
func (m *Monitor) AddVenue(id string, p Prober) {
	m.mu.Lock()
	m.probers[id] = p
	m.mu.Unlock()
	m.venue(id)
}

// venue returns the health record of id, creating it on first contact
func (m *Monitor) venue(id string) *venueHealth {
	m.mu.RLock()
	vh, ok := m.venues[id]
	m.mu.RUnlock()
	if ok {
		return vh
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vh, ok = m.venues[id]; ok {
		return vh
	}
	vh = &venueHealth{status: types.StatusStandby}
	m.venues[id] = vh
	return vh
}

func (m *Monitor) prober(id string) Prober {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.probers[id]
}

// Start probes every venue now and then on every interval until Stop
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("monitor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.CheckAll(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()

	m.logger.WithField("interval", m.cfg.Interval).Info("Health monitor started")
	return nil
}

// Stop ends periodic probing
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// CheckAll probes every known venue in parallel
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.ids() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Check(ctx, id)
		}(id)
	}
	wg.Wait()
}

// ids returns registry venues plus any venue that only has a prober
func (m *Monitor) ids() []string {
	seen := make(map[string]bool)
	var ids []string
	if m.registry != nil {
		for _, id := range m.registry.IDs() {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	m.mu.RLock()
	for id := range m.probers {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	return ids
}

// Check probes one venue and returns its new state
func (m *Monitor) Check(ctx context.Context, id string) types.ConnectionState {
	vh := m.venue(id)
	latency, err := m.probe(ctx, id)

	vh.mu.Lock()
	vh.probed = true
	vh.latency = latency
	vh.lastCheck = m.now()
	vh.probeErr = ""
	if err != nil {
		// Venue-reported downtime and throttling are not probe failures
		switch types.KindOf(err) {
		case types.ErrorKindMaintenance:
			vh.maintenanceUntil = m.now().Add(m.cfg.MaintenanceCooldown)
		case types.ErrorKindRateLimit:
			if m.limiter != nil {
				m.limiter.MarkExhausted(id, ratelimit.CategoryRequests, m.now().Add(m.cfg.Interval))
			}
		default:
			vh.probeErr = err.Error()
		}
	}
	change, changed := m.evaluateLocked(id, vh)
	state := m.stateLocked(id, vh)
	vh.mu.Unlock()

	if m.metrics != nil {
		m.metrics.observeProbe(id, latency, err)
	}
	if err != nil {
		m.logger.WithError(err).WithField("venue", id).Debug("Health probe failed")
	}
	if changed {
		m.announce(id, change)
	}
	return state
}

// probe pings the venue under the probe timeout
func (m *Monitor) probe(ctx context.Context, id string) (time.Duration, error) {
	p := m.prober(id)
	if p == nil {
		return 0, types.NewVenueError(id, types.ErrorKindConnectivity, "", "no connection registered", nil)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(probeCtx)
	latency := time.Since(start)
	if err == nil && probeCtx.Err() != nil {
		err = types.NewVenueError(id, types.ErrorKindConnectivity, "timeout", "probe timed out", probeCtx.Err())
	}
	return latency, err
}

// evaluateLocked recomputes the status from the stored facts. Caller holds vh.mu.
func (m *Monitor) evaluateLocked(id string, vh *venueHealth) (types.StatusChange, bool) {
	status, reason := m.classifyLocked(id, vh)
	if status == vh.status {
		vh.reason = reason
		return types.StatusChange{}, false
	}
	change := types.StatusChange{
		Previous: vh.status,
		Current:  status,
		Latency:  vh.latency,
		Reason:   reason,
	}
	vh.status = status
	vh.reason = reason
	return change, true
}

func (m *Monitor) classifyLocked(id string, vh *venueHealth) (types.VenueStatus, string) {
	if vh.override != "" {
		return vh.override, "forced by operator"
	}

	if m.registry != nil {
		cfg, ok := m.registry.Get(id)
		if !ok {
			return types.StatusError, "unknown venue"
		}
		if !cfg.Active {
			return types.StatusError, "venue inactive"
		}
	}
	if vh.authFault != "" {
		return types.StatusError, "authentication failed: " + vh.authFault
	}
	if vh.probeErr != "" {
		return types.StatusError, "probe failed: " + vh.probeErr
	}

	now := m.now()
	if now.Before(vh.maintenanceUntil) {
		return types.StatusMaintenance, "maintenance until " + vh.maintenanceUntil.Format(time.RFC3339)
	}
	if m.limiter != nil && m.limiter.Exhausted(id) {
		return types.StatusRateLimited, "rate budget exhausted"
	}
	if !vh.probed {
		return types.StatusStandby, "not probed yet"
	}
	if vh.latency > m.cfg.LatencyThreshold {
		return types.StatusSlow, fmt.Sprintf("latency %s above %s", vh.latency.Round(time.Millisecond), m.cfg.LatencyThreshold)
	}
	if p := m.prober(id); p != nil && p.Streaming() {
		if p.State() == types.StreamFailed {
			return types.StatusSlow, "stream failed"
		}
		if p.Stale() {
			return types.StatusSlow, "stream stale"
		}
	}
	return types.StatusHealthy, ""
}

func (m *Monitor) stateLocked(id string, vh *venueHealth) types.ConnectionState {
	state := types.ConnectionState{
		Venue:     id,
		Status:    vh.status,
		Latency:   vh.latency,
		LastCheck: vh.lastCheck,
		LastError: vh.probeErr,
	}
	if state.LastError == "" && vh.authFault != "" {
		state.LastError = vh.authFault
	}
	return state
}

// announce logs and publishes a transition
func (m *Monitor) announce(id string, change types.StatusChange) {
	entry := m.logger.WithFields(logrus.Fields{
		"venue":    id,
		"previous": change.Previous,
		"current":  change.Current,
		"reason":   change.Reason,
	})
	if change.Current == types.StatusHealthy || change.Current == types.StatusStandby {
		entry.Info("Venue status changed")
	} else {
		entry.Warn("Venue status changed")
	}

	if m.metrics != nil {
		m.metrics.setStatus(id, change.Current)
	}
	if m.bus != nil {
		m.bus.Publish(types.NewEvent(types.EventStatusChanged, id, change))
	}
}

// reevaluate applies a change of facts without probing
func (m *Monitor) reevaluate(id string, mutate func(vh *venueHealth)) {
	vh := m.venue(id)
	vh.mu.Lock()
	if mutate != nil {
		mutate(vh)
	}
	change, changed := m.evaluateLocked(id, vh)
	vh.mu.Unlock()
	if changed {
		m.announce(id, change)
	}
}

// Reevaluate recomputes a venue's status from its last probe and current limiter state
func (m *Monitor) Reevaluate(id string) {
	m.reevaluate(id, nil)
}

// venueChanged reacts to registry activation toggles
func (m *Monitor) venueChanged(cfg types.VenueConfig) {
	m.reevaluate(cfg.ID, func(vh *venueHealth) {
		if cfg.Active {
			vh.authFault = ""
		}
	})
}

// ForceStatus pins a venue's status until ClearOverride
func (m *Monitor) ForceStatus(id string, status types.VenueStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid venue status %q", status)
	}
	m.reevaluate(id, func(vh *venueHealth) {
		vh.override = status
	})
	return nil
}

// ClearOverride returns a venue to computed status
func (m *Monitor) ClearOverride(id string) {
	m.reevaluate(id, func(vh *venueHealth) {
		vh.override = ""
	})
}

// SetMaintenance flags a venue as under maintenance until the given time
func (m *Monitor) SetMaintenance(id string, until time.Time) {
	m.reevaluate(id, func(vh *venueHealth) {
		vh.maintenanceUntil = until
	})
}

// ClearMaintenance removes the maintenance flag
func (m *Monitor) ClearMaintenance(id string) {
	m.reevaluate(id, func(vh *venueHealth) {
		vh.maintenanceUntil = time.Time{}
	})
}

// ReportAuthFailure latches ERROR until ClearFault or the venue is reactivated
func (m *Monitor) ReportAuthFailure(id string, err error) {
	msg := "authentication rejected"
	if err != nil {
		msg = err.Error()
	}
	m.logger.WithFields(logrus.Fields{
		"venue": id,
		"error": msg,
	}).Error("Venue authentication failed")

	m.reevaluate(id, func(vh *venueHealth) {
		vh.authFault = msg
	})
}

// ClearFault removes a latched authentication fault
func (m *Monitor) ClearFault(id string) {
	m.reevaluate(id, func(vh *venueHealth) {
		vh.authFault = ""
	})
}

// Status returns the current status of a venue
func (m *Monitor) Status(id string) types.VenueStatus {
	vh := m.venue(id)
	vh.mu.Lock()
	defer vh.mu.Unlock()
	return vh.status
}

// State returns a snapshot of one venue
func (m *Monitor) State(id string) types.ConnectionState {
	vh := m.venue(id)
	vh.mu.Lock()
	defer vh.mu.Unlock()
	return m.stateLocked(id, vh)
}

// States returns a snapshot of every known venue sorted by id
func (m *Monitor) States() []types.ConnectionState {
	ids := m.ids()
	sort.Strings(ids)
	out := make([]types.ConnectionState, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.State(id))
	}
	return out
}
