package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently so connection events can be correlated across
// the dispatcher, the async state machine and the digest authenticator.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Connection
	// ========================================================================
	KeyConnID     = "conn_id"     // Connection identifier
	KeyClientAddr = "client_addr" // Remote address
	KeyListenAddr = "listen_addr" // Local listener address
	KeyProtocol   = "protocol"    // Protocol bound to the connection
	KeyStatus     = "status"      // Socket event status: OPEN_READ, TIMEOUT, ...
	KeyOutcome    = "outcome"     // Processing outcome: OPEN, LONG, CLOSED, ...
	KeyActive     = "active"      // Active connection count
	KeyMax        = "max"         // Configured maximum

	// ========================================================================
	// Processor pool
	// ========================================================================
	KeyPoolSize = "pool_size" // Idle processors currently cached
	KeyPoolMax  = "pool_max"  // Configured pool bound (-1 = unlimited)

	// ========================================================================
	// Async state machine
	// ========================================================================
	KeyState      = "state"      // Async state name
	KeyOp         = "op"         // Attempted async operation
	KeyGeneration = "generation" // Async generation counter
	KeyInProgress = "in_progress"

	// ========================================================================
	// Digest authentication
	// ========================================================================
	KeyNonce  = "nonce"
	KeyRealm  = "realm"
	KeyUser   = "user"
	KeyNC     = "nc"
	KeyStale  = "stale"
	KeyReason = "reason"
	KeyAge    = "age"

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyStack      = "stack"
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ConnID returns a slog.Attr for a connection identifier
func ConnID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}

// ClientAddr returns a slog.Attr for the remote address
func ClientAddr(addr string) slog.Attr {
	return slog.String(KeyClientAddr, addr)
}

// Protocol returns a slog.Attr for the connection protocol
func Protocol(p string) slog.Attr {
	return slog.String(KeyProtocol, p)
}

// Status returns a slog.Attr for a socket event status
func Status(s string) slog.Attr {
	return slog.String(KeyStatus, s)
}

// Outcome returns a slog.Attr for a processing outcome
func Outcome(o string) slog.Attr {
	return slog.String(KeyOutcome, o)
}

// PoolSize returns a slog.Attr for idle pool size
func PoolSize(n int64) slog.Attr {
	return slog.Int64(KeyPoolSize, n)
}

// State returns a slog.Attr for an async state name
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// Op returns a slog.Attr for an async operation name
func Op(op string) slog.Attr {
	return slog.String(KeyOp, op)
}

// Generation returns a slog.Attr for an async generation
func Generation(g uint64) slog.Attr {
	return slog.Uint64(KeyGeneration, g)
}

// Nonce returns a slog.Attr for a digest nonce
func Nonce(n string) slog.Attr {
	return slog.String(KeyNonce, n)
}

// User returns a slog.Attr for an authenticated or claimed user name
func User(u string) slog.Attr {
	return slog.String(KeyUser, u)
}

// Reason returns a slog.Attr explaining a rejection
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}

// Age returns a slog.Attr for an entry age
func Age(d time.Duration) slog.Attr {
	return slog.Duration(KeyAge, d)
}

// DurationMs returns a slog.Attr for operation duration
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error, or an empty Attr for nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
