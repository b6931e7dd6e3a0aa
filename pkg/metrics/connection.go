package metrics

import "time"

// ConnectionMetrics observes the connection dispatcher and processor pool.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewConnectionMetrics()
//	d := connection.NewDispatcher(proto, connection.WithMetrics(m))
//
//	// Without metrics
//	d := connection.NewDispatcher(proto)
type ConnectionMetrics interface {
	// RecordDispatch records one processed socket event.
	//
	// Parameters:
	//   - status: socket status that triggered the pass (e.g. "OPEN_READ")
	//   - outcome: resulting socket state (e.g. "LONG", "CLOSED")
	//   - duration: time spent in the pass
	RecordDispatch(status, outcome string, duration time.Duration)

	// RecordDispatchError records a failed pass. expected is true for
	// socket and protocol errors, false for everything else including panics.
	RecordDispatchError(expected bool)

	// RecordProcessorCreated counts processors created because the pool was empty.
	RecordProcessorCreated(protocol string)

	// RecordProcessorRecycled counts processors returned to the pool.
	RecordProcessorRecycled()

	// RecordProcessorDropped counts processors discarded by a full or cleared pool.
	RecordProcessorDropped()

	// RecordUpgrade counts protocol upgrades.
	RecordUpgrade(protocol string)

	// SetPoolSize updates the number of idle processors.
	SetPoolSize(n int)

	// SetWaiting updates the number of processors parked on async requests.
	SetWaiting(n int)
}

// AdapterMetrics observes the TCP endpoint.
type AdapterMetrics interface {
	SetActiveConnections(count int32)
	RecordConnectionAccepted()
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed after the
	// shutdown timeout expired.
	RecordConnectionForceClosed()
}

// AsyncMetrics observes async state machine traffic.
type AsyncMetrics interface {
	// RecordTransition counts an applied transition.
	RecordTransition(op, from, to string)

	// AddInProgress adjusts the number of in-flight async requests.
	AddInProgress(delta int)

	// RecordTimeout counts async requests that timed out.
	RecordTimeout()
}
