package prometheus

import (
	"strconv"

	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// digestMetrics is the Prometheus implementation of metrics.DigestMetrics.
type digestMetrics struct {
	authentications *prometheus.CounterVec
	noncesIssued    prometheus.Counter
	noncesEvicted   *prometheus.CounterVec
	replays         prometheus.Counter
	cacheSize       prometheus.Gauge
}

// NewDigestMetrics creates a Prometheus-backed DigestMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDigestMetrics() metrics.DigestMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &digestMetrics{
		authentications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_digest_authentications_total",
				Help: "Total number of Digest verification attempts by outcome",
			},
			[]string{"outcome"},
		),
		noncesIssued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "coyote_digest_nonces_issued_total",
				Help: "Total number of nonces issued in challenges",
			},
		),
		noncesEvicted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "coyote_digest_nonces_evicted_total",
				Help: "Total number of nonces evicted from a full cache",
			},
			[]string{"still_valid"},
		),
		replays: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "coyote_digest_replays_total",
				Help: "Total number of rejected nonce counts",
			},
		),
		cacheSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "coyote_digest_nonce_cache_size",
				Help: "Number of nonces in the cache",
			},
		),
	}
}

func (m *digestMetrics) RecordAuthentication(outcome string) {
	m.authentications.WithLabelValues(outcome).Inc()
}

func (m *digestMetrics) RecordNonceIssued() { m.noncesIssued.Inc() }

func (m *digestMetrics) RecordNonceEvicted(stillValid bool) {
	m.noncesEvicted.WithLabelValues(strconv.FormatBool(stillValid)).Inc()
}

func (m *digestMetrics) RecordReplay()           { m.replays.Inc() }
func (m *digestMetrics) SetNonceCacheSize(n int) { m.cacheSize.Set(float64(n)) }
