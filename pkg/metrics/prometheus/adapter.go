package prometheus

import (
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// adapterMetrics is the Prometheus implementation of metrics.AdapterMetrics.
type adapterMetrics struct {
	active      prometheus.Gauge
	accepted    prometheus.Counter
	closed      prometheus.Counter
	forceClosed prometheus.Counter
}

// NewAdapterMetrics creates a Prometheus-backed AdapterMetrics for the
// endpoint serving protocol.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewAdapterMetrics(protocol string) metrics.AdapterMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"protocol": protocol}

	return &adapterMetrics{
		active: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "coyote_connections_active",
			Help:        "Number of open client connections",
			ConstLabels: labels,
		}),
		accepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "coyote_connections_accepted_total",
			Help:        "Total number of accepted client connections",
			ConstLabels: labels,
		}),
		closed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "coyote_connections_closed_total",
			Help:        "Total number of closed client connections",
			ConstLabels: labels,
		}),
		forceClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "coyote_connections_force_closed_total",
			Help:        "Total number of connections closed after the shutdown timeout",
			ConstLabels: labels,
		}),
	}
}

func (m *adapterMetrics) SetActiveConnections(count int32) { m.active.Set(float64(count)) }
func (m *adapterMetrics) RecordConnectionAccepted()        { m.accepted.Inc() }
func (m *adapterMetrics) RecordConnectionClosed()          { m.closed.Inc() }
func (m *adapterMetrics) RecordConnectionForceClosed()     { m.forceClosed.Inc() }
