package prometheus

import (
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// asyncMetrics is the Prometheus implementation of metrics.AsyncMetrics.
type asyncMetrics struct {
	transitions *prometheus.CounterVec
	inProgress  prometheus.Gauge
	timeouts    prometheus.Counter
}

// NewAsyncMetrics creates a Prometheus-backed AsyncMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewAsyncMetrics() metrics.AsyncMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &asyncMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_async_transitions_total",
				Help: "Total number of async state transitions by operation and states",
			},
			[]string{"op", "from", "to"},
		),
		inProgress: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "coyote_async_in_progress",
				Help: "Number of async requests in flight",
			},
		),
		timeouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "coyote_async_timeouts_total",
				Help: "Total number of async requests that timed out",
			},
		),
	}
}

func (m *asyncMetrics) RecordTransition(op, from, to string) {
	m.transitions.WithLabelValues(op, from, to).Inc()
}

func (m *asyncMetrics) AddInProgress(delta int) { m.inProgress.Add(float64(delta)) }
func (m *asyncMetrics) RecordTimeout()          { m.timeouts.Inc() }
