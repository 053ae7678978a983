package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Category is the budget an authenticated call is counted against
type Category string

const (
	CategoryOrders   Category = "orders"
	CategoryRequests Category = "requests"
)

const defaultWindow = time.Minute

// ExhaustionFunc receives venue-reported limits; Limiter.MarkExhausted satisfies it
type ExhaustionFunc func(venue string, category Category, until time.Time)

// LimitSource provides per-venue limits
type LimitSource interface {
	Get(id string) (types.VenueConfig, bool)
}

// WindowState is a read-only view of one rate window
type WindowState struct {
	Count        int       `json:"count"`
	Limit        int       `json:"limit"`
	Reset        time.Time `json:"reset"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

type window struct {
	limit        int
	duration     time.Duration
	count        int
	reset        time.Time
	blockedUntil time.Time
	generation   uint64
}

// venueWindows holds every window of one venue behind its own lock
type venueWindows struct {
	mu      sync.Mutex
	windows map[Category]*window
}

// Limiter enforces fixed-window budgets per venue and category
type Limiter struct {
	source  LimitSource
	venues  sync.Map // venue id -> *venueWindows
	now     func() time.Time
	denials *prometheus.CounterVec
	logger  *logrus.Entry
}

// New creates a limiter reading limits from source
func New(source LimitSource) *Limiter {
	return &Limiter{
		source: source,
		now:    time.Now,
		logger: logrus.WithField("component", "ratelimit"),
	}
}

// SetClock replaces the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Register exports denial counters
func (l *Limiter) Register(reg prometheus.Registerer) error {
	l.denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_denials_total",
			Help: "Number of calls denied by the local rate limiter",
		},
		[]string{"venue", "category"},
	)
	if err := reg.Register(l.denials); err != nil {
		return fmt.Errorf("failed to register rate limit metrics: %w", err)
	}
	return nil
}

func (l *Limiter) venue(id string) *venueWindows {
	if vw, ok := l.venues.Load(id); ok {
		return vw.(*venueWindows)
	}

	var limits types.RateLimits
	if l.source != nil {
		if cfg, ok := l.source.Get(id); ok {
			limits = cfg.RateLimits
		}
	}
	duration := limits.Window
	if duration <= 0 {
		duration = defaultWindow
	}
	vw := &venueWindows{
		windows: map[Category]*window{
			CategoryOrders:   {limit: limits.Orders, duration: duration},
			CategoryRequests: {limit: limits.Requests, duration: duration},
		},
	}
	actual, _ := l.venues.LoadOrStore(id, vw)
	return actual.(*venueWindows)
}

func (vw *venueWindows) window(category Category) *window {
	w, ok := vw.windows[category]
	if !ok {
		w = &window{duration: defaultWindow}
		vw.windows[category] = w
	}
	return w
}

// roll resets the window when now has reached the reset timestamp
func (w *window) roll(now time.Time) {
	if !now.Before(w.reset) {
		w.count = 0
		w.reset = now.Add(w.duration)
		w.generation++
	}
}

// Acquire atomically checks and increments the venue's window for category.
// A denial returns a RATE_LIMIT venue error and leaves the counter untouched.
func (l *Limiter) Acquire(venue string, category Category) (*Reservation, error) {
	vw := l.venue(venue)
	vw.mu.Lock()
	now := l.now()
	w := vw.window(category)
	w.roll(now)

	if now.Before(w.blockedUntil) {
		vw.mu.Unlock()
		l.denied(venue, category)
		return nil, types.NewVenueError(venue, types.ErrorKindRateLimit, "", fmt.Sprintf("%s budget blocked by venue until %s", category, w.blockedUntil.Format(time.RFC3339)), nil)
	}
	if w.limit > 0 && w.count >= w.limit {
		reset := w.reset
		vw.mu.Unlock()
		l.denied(venue, category)
		return nil, types.NewVenueError(venue, types.ErrorKindRateLimit, "", fmt.Sprintf("%s budget exhausted until %s", category, reset.Format(time.RFC3339)), nil)
	}
	w.count++
	gen := w.generation
	vw.mu.Unlock()

	return &Reservation{owner: vw, category: category, generation: gen}, nil
}

func (l *Limiter) denied(venue string, category Category) {
	if l.denials != nil {
		l.denials.WithLabelValues(venue, string(category)).Inc()
	}
	l.logger.WithFields(logrus.Fields{
		"venue":    venue,
		"category": category,
	}).Debug("Rate limit denied")
}

// MarkExhausted blocks a category until the given time, e.g. after a venue reported a limit
func (l *Limiter) MarkExhausted(venue string, category Category, until time.Time) {
	vw := l.venue(venue)
	vw.mu.Lock()
	defer vw.mu.Unlock()

	w := vw.window(category)
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
	l.logger.WithFields(logrus.Fields{
		"venue":    venue,
		"category": category,
		"until":    until,
	}).Warn("Venue reported rate limit")
}

// Exhausted reports whether any budget of the venue is currently used up
func (l *Limiter) Exhausted(venue string) bool {
	vw := l.venue(venue)
	vw.mu.Lock()
	defer vw.mu.Unlock()

	now := l.now()
	for _, w := range vw.windows {
		if now.Before(w.blockedUntil) {
			return true
		}
		if w.limit > 0 && w.count >= w.limit && now.Before(w.reset) {
			return true
		}
	}
	return false
}

// Snapshot returns the state of every window of the venue
func (l *Limiter) Snapshot(venue string) map[Category]WindowState {
	vw := l.venue(venue)
	vw.mu.Lock()
	defer vw.mu.Unlock()

	now := l.now()
	out := make(map[Category]WindowState, len(vw.windows))
	for category, w := range vw.windows {
		state := WindowState{Count: w.count, Limit: w.limit, Reset: w.reset}
		if !now.Before(w.reset) {
			state.Count = 0
		}
		if now.Before(w.blockedUntil) {
			state.BlockedUntil = w.blockedUntil
		}
		out[category] = state
	}
	return out
}

// Reservation is an admitted slot that can be handed back if the call was never sent
type Reservation struct {
	owner      *venueWindows
	category   Category
	generation uint64
	released   atomic.Bool
}

// Release returns the slot to the window it was taken from; it is a no-op after the window rolled
func (r *Reservation) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()

	w := r.owner.window(r.category)
	if w.generation == r.generation && w.count > 0 {
		w.count--
	}
}
