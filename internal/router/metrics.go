package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Order outcomes used as metric labels
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
	OutcomeInvalid     = "invalid"
)

// Metrics is a snapshot of execution statistics
type Metrics struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailoverEvents     int64            `json:"failover_events"`
	AverageLatency     time.Duration    `json:"average_latency"`
	VenueDistribution  map[string]int64 `json:"venue_distribution"`
}

// tracker accumulates execution statistics and mirrors them to Prometheus
type tracker struct {
	mu           sync.Mutex
	metrics      Metrics
	totalLatency time.Duration

	orders    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	failovers prometheus.Counter
}

func newTracker() *tracker {
	return &tracker{
		metrics: Metrics{VenueDistribution: make(map[string]int64)},
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_orders_total",
				Help: "Number of order executions by venue and outcome",
			},
			[]string{"venue", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_order_latency_seconds",
				Help:    "Round-trip latency of successful order placements",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"venue"},
		),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_failover_total",
			Help: "Number of orders placed on a venue other than the first choice",
		}),
	}
}

func (t *tracker) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{t.orders, t.latency, t.failovers} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register execution metrics: %w", err)
		}
	}
	return nil
}

func (t *tracker) recordSuccess(venue string, latency time.Duration, failover bool) {
	t.mu.Lock()
	t.metrics.TotalRequests++
	t.metrics.SuccessfulRequests++
	t.metrics.VenueDistribution[venue]++
	t.totalLatency += latency
	t.metrics.AverageLatency = t.totalLatency / time.Duration(t.metrics.SuccessfulRequests)
	if failover {
		t.metrics.FailoverEvents++
	}
	t.mu.Unlock()

	t.orders.WithLabelValues(venue, OutcomeSuccess).Inc()
	t.latency.WithLabelValues(venue).Observe(latency.Seconds())
	if failover {
		t.failovers.Inc()
	}
}

func (t *tracker) recordFailure(venue, outcome string) {
	t.mu.Lock()
	t.metrics.TotalRequests++
	t.mu.Unlock()

	if venue == "" {
		venue = "none"
	}
	t.orders.WithLabelValues(venue, outcome).Inc()
}

// snapshot returns a copy safe to hand out
func (t *tracker) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.metrics
	out.VenueDistribution = make(map[string]int64, len(t.metrics.VenueDistribution))
	for venue, count := range t.metrics.VenueDistribution {
		out.VenueDistribution[venue] = count
	}
	return out
}
