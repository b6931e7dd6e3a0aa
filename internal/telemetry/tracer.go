package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for connection handling spans.
const (
	AttrConnID     = "connection.id"
	AttrClientAddr = "client.address"
	AttrProtocol   = "protocol.name"
	AttrStatus     = "socket.status"
	AttrOutcome    = "socket.outcome"
	AttrUpgrade    = "processor.upgrade"
	AttrAsync      = "processor.async"
	AttrAsyncOp    = "async.operation"
	AttrAsyncState = "async.state"
	AttrGeneration = "async.generation"
	AttrRealm      = "digest.realm"
	AttrUsername   = "user.name"
	AttrStale      = "digest.stale"
)

// Span names.
const (
	SpanDispatch     = "connection.dispatch"
	SpanUpgrade      = "connection.upgrade"
	SpanAsyncRun     = "async.run"
	SpanDigestVerify = "digest.verify"
)

// ConnID returns an attribute for the connection identifier
func ConnID(id string) attribute.KeyValue {
	return attribute.String(AttrConnID, id)
}

// ClientAddr returns an attribute for the remote address
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// Protocol returns an attribute for the bound protocol
func Protocol(name string) attribute.KeyValue {
	return attribute.String(AttrProtocol, name)
}

// Status returns an attribute for the socket event status
func Status(s string) attribute.KeyValue {
	return attribute.String(AttrStatus, s)
}

// Outcome returns an attribute for the processing outcome
func Outcome(o string) attribute.KeyValue {
	return attribute.String(AttrOutcome, o)
}

// Upgrade returns an attribute flagging an upgrade processor
func Upgrade(v bool) attribute.KeyValue {
	return attribute.Bool(AttrUpgrade, v)
}

// Async returns an attribute flagging an async processor
func Async(v bool) attribute.KeyValue {
	return attribute.Bool(AttrAsync, v)
}

// Generation returns an attribute for the async generation
func Generation(g uint64) attribute.KeyValue {
	return attribute.Int64(AttrGeneration, int64(g))
}

// Username returns an attribute for the digest user name
func Username(name string) attribute.KeyValue {
	return attribute.String(AttrUsername, name)
}

// Stale returns an attribute for a stale nonce
func Stale(v bool) attribute.KeyValue {
	return attribute.Bool(AttrStale, v)
}

// StartDispatchSpan starts the span covering one socket event.
func StartDispatchSpan(ctx context.Context, connID, status string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{ConnID(connID), Status(status)}, attrs...)
	return StartSpan(ctx, SpanDispatch,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(all...),
	)
}

// StartDigestSpan starts the span covering one digest verification.
func StartDigestSpan(ctx context.Context, realm string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanDigestVerify,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrRealm, realm)),
	)
}
