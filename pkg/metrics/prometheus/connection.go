package prometheus

import (
	"strconv"
	"time"

	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connectionMetrics is the Prometheus implementation of metrics.ConnectionMetrics.
type connectionMetrics struct {
	dispatches         *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	dispatchErrors     *prometheus.CounterVec
	processorsCreated  *prometheus.CounterVec
	processorsRecycled prometheus.Counter
	processorsDropped  prometheus.Counter
	upgrades           *prometheus.CounterVec
	poolSize           prometheus.Gauge
	waiting            prometheus.Gauge
}

// NewConnectionMetrics creates a Prometheus-backed ConnectionMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewConnectionMetrics() metrics.ConnectionMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &connectionMetrics{
		dispatches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_dispatch_total",
				Help: "Total number of socket events processed by status and outcome",
			},
			[]string{"status", "outcome"},
		),
		dispatchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "coyote_dispatch_duration_milliseconds",
				Help: "Duration of one processing pass in milliseconds",
				Buckets: []float64{
					0.05, // 50us - pooled processor, no I/O
					0.1,
					0.5,
					1,
					5,
					10,
					50,
					100,
					500,
					1000, // 1s - slow application code on the container goroutine
				},
			},
			[]string{"status"},
		),
		dispatchErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_dispatch_errors_total",
				Help: "Total number of processing passes that failed",
			},
			[]string{"expected"},
		),
		processorsCreated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_processors_created_total",
				Help: "Total number of processors created because the pool was empty",
			},
			[]string{"protocol"},
		),
		processorsRecycled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "coyote_processors_recycled_total",
				Help: "Total number of processors returned to the pool",
			},
		),
		processorsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "coyote_processors_dropped_total",
				Help: "Total number of processors discarded by the pool",
			},
		),
		upgrades: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_upgrades_total",
				Help: "Total number of protocol upgrades",
			},
			[]string{"protocol"},
		),
		poolSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "coyote_processor_pool_size",
				Help: "Number of idle processors in the pool",
			},
		),
		waiting: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "coyote_async_waiting",
				Help: "Number of processors parked on async requests",
			},
		),
	}
}

func (m *connectionMetrics) RecordDispatch(status, outcome string, duration time.Duration) {
	m.dispatches.WithLabelValues(status, outcome).Inc()
	m.dispatchDuration.WithLabelValues(status).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *connectionMetrics) RecordDispatchError(expected bool) {
	m.dispatchErrors.WithLabelValues(strconv.FormatBool(expected)).Inc()
}

func (m *connectionMetrics) RecordProcessorCreated(protocol string) {
	m.processorsCreated.WithLabelValues(protocol).Inc()
}

func (m *connectionMetrics) RecordProcessorRecycled() { m.processorsRecycled.Inc() }
func (m *connectionMetrics) RecordProcessorDropped()  { m.processorsDropped.Inc() }

func (m *connectionMetrics) RecordUpgrade(protocol string) {
	m.upgrades.WithLabelValues(protocol).Inc()
}

func (m *connectionMetrics) SetPoolSize(n int) { m.poolSize.Set(float64(n)) }
func (m *connectionMetrics) SetWaiting(n int)  { m.waiting.Set(float64(n)) }
