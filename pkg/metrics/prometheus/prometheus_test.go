package prometheus

import (
	"testing"
	"time"

	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enable(t *testing.T) {
	t.Helper()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)
}

func TestConstructorsDisabled(t *testing.T) {
	metrics.Reset()
	assert.Nil(t, NewConnectionMetrics())
	assert.Nil(t, NewAdapterMetrics("line"))
	assert.Nil(t, NewAsyncMetrics())
	assert.Nil(t, NewDigestMetrics())
}

func TestConnectionMetrics(t *testing.T) {
	enable(t)
	m := NewConnectionMetrics().(*connectionMetrics)

	m.RecordDispatch("OPEN_READ", "OPEN", 2*time.Millisecond)
	m.RecordDispatch("OPEN_READ", "OPEN", time.Millisecond)
	m.RecordDispatch("TIMEOUT", "CLOSED", time.Millisecond)
	m.RecordDispatchError(true)
	m.RecordProcessorCreated("line")
	m.RecordProcessorRecycled()
	m.RecordProcessorDropped()
	m.RecordUpgrade("echo")
	m.SetPoolSize(7)
	m.SetWaiting(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("OPEN_READ", "OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("TIMEOUT", "CLOSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processorsCreated.WithLabelValues("line")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processorsDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.poolSize))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.waiting))
	assert.Equal(t, 2, testutil.CollectAndCount(m.dispatchDuration))
}

func TestAdapterAndAsyncMetrics(t *testing.T) {
	enable(t)
	a := NewAdapterMetrics("line").(*adapterMetrics)
	a.RecordConnectionAccepted()
	a.RecordConnectionAccepted()
	a.RecordConnectionClosed()
	a.SetActiveConnections(1)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.active))

	m := NewAsyncMetrics().(*asyncMetrics)
	m.AddInProgress(1)
	m.AddInProgress(1)
	m.AddInProgress(-1)
	m.RecordTransition("asyncStart", "DISPATCHED", "STARTING")
	m.RecordTimeout()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("asyncStart", "DISPATCHED", "STARTING")))
}

func TestDigestMetricsRegistered(t *testing.T) {
	enable(t)
	m := NewDigestMetrics().(*digestMetrics)
	m.RecordAuthentication("stale")
	m.RecordNonceEvicted(true)
	m.RecordNonceIssued()
	m.SetNonceCacheSize(10)

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["coyote_digest_authentications_total"])
	assert.True(t, names["coyote_digest_nonce_cache_size"])
	assert.True(t, names["go_goroutines"])
}
