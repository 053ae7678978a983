package monitor

import (
	"fmt"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var allStatuses = []types.VenueStatus{
	types.StatusHealthy,
	types.StatusSlow,
	types.StatusRateLimited,
	types.StatusMaintenance,
	types.StatusError,
	types.StatusStandby,
}

// Metrics exports venue health to Prometheus
type Metrics struct {
	status        *prometheus.GaugeVec
	latency       *prometheus.GaugeVec
	probeFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the health collectors
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_venue_status",
				Help: "Venue health status, 1 for the current status and 0 otherwise",
			},
			[]string{"venue", "status"},
		),
		latency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_venue_probe_latency_seconds",
				Help: "Latency of the last health probe",
			},
			[]string{"venue"},
		),
		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_venue_probe_failures_total",
				Help: "Number of failed health probes",
			},
			[]string{"venue", "kind"},
		),
	}

	for _, c := range []prometheus.Collector{m.status, m.latency, m.probeFailures} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register health metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) setStatus(venue string, current types.VenueStatus) {
	for _, s := range allStatuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.status.WithLabelValues(venue, string(s)).Set(v)
	}
}

func (m *Metrics) observeProbe(venue string, latency time.Duration, err error) {
	m.latency.WithLabelValues(venue).Set(latency.Seconds())
	if err != nil {
		m.probeFailures.WithLabelValues(venue, string(types.KindOf(err))).Inc()
	}
}
