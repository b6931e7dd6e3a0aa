package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID
	SpanID     string    // OpenTelemetry span ID
	ConnID     string    // Connection identifier assigned at accept time
	ClientAddr string    // Remote address (host:port)
	Protocol   string    // Protocol currently bound to the connection
	Generation uint64    // Async generation, 0 when not async
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for an accepted connection
func NewLogContext(connID, clientAddr string) *LogContext {
	return &LogContext{
		ConnID:     connID,
		ClientAddr: clientAddr,
		StartTime:  time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithProtocol returns a copy with the protocol set
func (lc *LogContext) WithProtocol(protocol string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Protocol = protocol
	}
	return c
}

// WithGeneration returns a copy tagged with an async generation
func (lc *LogContext) WithGeneration(gen uint64) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.Generation = gen
	}
	return c
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	c := lc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
