package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/internal/telemetry"
	"github.com/marmos91/coyote/pkg/async"
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/marmos91/coyote/pkg/processor"
)

// ErrUpgradeWithoutToken is reported when a processor returns
// SocketUpgrading without providing an upgrade handler.
var ErrUpgradeWithoutToken = errors.New("connection: upgrade requested without an upgrade token")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPoolSize bounds the number of idle processors kept for reuse.
// processor.Unlimited disables the bound.
func WithPoolSize(n int) Option {
	return func(d *Dispatcher) { d.poolSize = n }
}

// WithUpgradeProtocol registers a protocol selected by the socket's
// negotiated protocol name.
func WithUpgradeProtocol(up processor.UpgradeProtocol) Option {
	return func(d *Dispatcher) { d.upgrades[up.Name()] = up }
}

// WithMetrics sets the metrics sink. nil disables recording.
func WithMetrics(m metrics.ConnectionMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Bound       int `json:"bound"`
	Waiting     int `json:"waiting"`
	PoolSize    int `json:"pool_size"`
	PoolMaxSize int `json:"pool_max_size"`
}

// Dispatcher routes socket events to processors and applies the outcome of
// each processing pass to the connection.
type Dispatcher struct {
	protocol processor.Protocol
	upgrades map[string]processor.UpgradeProtocol
	poolSize int
	metrics  metrics.ConnectionMetrics

	pool     *processor.Pool
	registry *Registry
	waiting  *xsync.MapOf[string, processor.Processor]
}

// NewDispatcher creates a dispatcher whose default processors come from proto.
func NewDispatcher(proto processor.Protocol, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		protocol: proto,
		upgrades: make(map[string]processor.UpgradeProtocol),
		poolSize: processor.DefaultPoolSize,
		registry: NewRegistry(),
		waiting:  xsync.NewMapOf[string, processor.Processor](),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = processor.NewPool(d.poolSize, d.unregister)
	return d
}

// Protocol returns the name of the default protocol.
func (d *Dispatcher) Protocol() string { return d.protocol.Name() }

// Registry exposes the bound processors.
func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Bound:       d.registry.Len(),
		Waiting:     d.waiting.Size(),
		PoolSize:    int(d.pool.Len()),
		PoolMaxSize: d.pool.MaxSize(),
	}
}

// Process handles one event for sw and returns the resulting socket state.
// It never returns an error: failures close the connection.
func (d *Dispatcher) Process(ctx context.Context, sw processor.SocketWrapper, status processor.SocketStatus) processor.SocketState {
	if sw == nil || sw.Closed() {
		return processor.SocketClosed
	}

	state := processor.SocketClosed
	telemetry.WithProfileTags(ctx, func(ctx context.Context) {
		state = d.process(ctx, sw, status)
	}, "protocol", d.protocol.Name(), "status", status.String())
	return state
}

func (d *Dispatcher) process(ctx context.Context, sw processor.SocketWrapper, status processor.SocketStatus) (state processor.SocketState) {
	key := sw.ID()

	p, found := d.registry.Lookup(key)
	if found {
		d.waiting.Delete(key)
	} else if status == processor.StatusDisconnect {
		return processor.SocketClosed
	}

	sw.SetAsync(false)

	ctx, span := telemetry.StartDispatchSpan(ctx, key, status.String(), telemetry.ClientAddr(sw.RemoteAddr()))
	defer span.End()
	lc := logger.NewLogContext(key, sw.RemoteAddr()).
		WithProtocol(d.protocol.Name()).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	start := time.Now()
	cctx, leaveContainer := async.WithContainer(ctx)
	defer leaveContainer()

	defer func() {
		if r := recover(); r != nil {
			d.fail(ctx, key, p, fmt.Errorf("panic: %v", r), debug.Stack())
			state = processor.SocketClosed
		}
		span.SetAttributes(telemetry.Outcome(state.String()))
		if d.metrics != nil {
			d.metrics.RecordDispatch(status.String(), state.String(), time.Since(start))
			d.metrics.SetWaiting(d.waiting.Size())
		}
	}()

	if !found {
		p = d.acquire(sw)
	}
	d.registry.Bind(key, p)

	for {
		var err error
		state, err = d.pass(cctx, sw, p, status, state)
		if err == nil && state == processor.SocketUpgrading {
			p, err = d.upgrade(ctx, sw, p)
		}
		if err != nil {
			telemetry.RecordError(ctx, err)
			d.fail(ctx, key, p, err, nil)
			return processor.SocketClosed
		}
		if state != processor.SocketAsyncEnd && state != processor.SocketUpgrading {
			break
		}
	}
	leaveContainer()

	switch state {
	case processor.SocketLong:
		d.registry.Bind(key, p)
		if p.IsAsync() {
			sw.SetAsync(true)
			d.waiting.Store(key, p)
		} else {
			sw.RegisterReadInterest()
		}
	case processor.SocketOpen:
		d.registry.Unbind(key)
		d.release(p)
		sw.RegisterReadInterest()
	case processor.SocketSendfile:
		d.registry.Unbind(key)
		d.release(p)
	case processor.SocketUpgraded:
		d.registry.Bind(key, p)
		if status != processor.StatusOpenWrite {
			sw.RegisterReadInterest()
		}
	default:
		d.registry.Unbind(key)
		d.discard(p)
	}

	if logger.IsDebugEnabled() {
		logger.DebugCtx(ctx, "Socket processed",
			logger.KeyStatus, status.String(),
			logger.KeyOutcome, state.String(),
			logger.KeyDurationMs, logger.Duration(start))
	}
	return state
}

// pass runs one processing step. prev is the outcome of the previous step
// within the same event, SocketClosed on the first one.
func (d *Dispatcher) pass(ctx context.Context, sw processor.SocketWrapper, p processor.Processor, status processor.SocketStatus, prev processor.SocketState) (processor.SocketState, error) {
	var (
		state = processor.SocketClosed
		err   error
	)

	switch {
	case status == processor.StatusDisconnect:
		// Socket is gone; fall through to release.
	case p.IsAsync() || prev == processor.SocketAsyncEnd:
		state, err = p.AsyncDispatch(ctx, sw, status)
		if err == nil && state == processor.SocketOpen {
			state, err = p.Process(ctx, sw, status)
		}
	case p.IsUpgrade():
		state, err = p.Process(ctx, sw, status)
	case status == processor.StatusOpenWrite:
		// Extra write event with no async or upgrade in progress.
		state = processor.SocketLong
	default:
		state, err = p.Process(ctx, sw, status)
	}
	if err != nil {
		return processor.SocketClosed, err
	}

	if state != processor.SocketClosed && p.IsAsync() {
		return p.AsyncPostProcess()
	}
	return state, nil
}

// upgrade swaps p for an upgrade processor built from its upgrade token.
func (d *Dispatcher) upgrade(ctx context.Context, sw processor.SocketWrapper, p processor.Processor) (processor.Processor, error) {
	token := p.UpgradeToken()
	if token == nil || token.Handler == nil {
		return p, ErrUpgradeWithoutToken
	}

	_, span := telemetry.StartSpan(ctx, telemetry.SpanUpgrade)
	span.SetAttributes(telemetry.Protocol(token.Protocol))
	defer span.End()

	d.release(p)
	up := processor.NewUpgradeProcessor(token)
	d.registry.Bind(sw.ID(), up)
	token.Handler.Init(sw)

	if d.metrics != nil {
		d.metrics.RecordUpgrade(token.Protocol)
	}
	logger.DebugCtx(ctx, "Connection upgraded", logger.KeyProtocol, token.Protocol)
	return up, nil
}

// acquire returns a processor for a socket that has none bound.
func (d *Dispatcher) acquire(sw processor.SocketWrapper) processor.Processor {
	if name := sw.NegotiatedProtocol(); name != "" {
		if up, ok := d.upgrades[name]; ok {
			if p := up.Processor(sw); p != nil {
				return p
			}
		}
	}

	if p, ok := d.pool.Pop(); ok {
		d.recordPoolSize()
		return p
	}

	if d.metrics != nil {
		d.metrics.RecordProcessorCreated(d.protocol.Name())
	}
	return d.protocol.CreateProcessor()
}

// release recycles p and offers it back to the pool.
func (d *Dispatcher) release(p processor.Processor) {
	p.Recycle()
	if p.IsUpgrade() {
		return
	}
	if d.pool.Push(p) && d.metrics != nil {
		d.metrics.RecordProcessorRecycled()
	}
	d.recordPoolSize()
}

// discard disposes of p after its connection closed.
func (d *Dispatcher) discard(p processor.Processor) {
	if p == nil {
		return
	}
	if p.IsUpgrade() {
		if token := p.UpgradeToken(); token != nil && token.Handler != nil {
			token.Handler.Destroy()
		}
		return
	}
	d.release(p)
}

func (d *Dispatcher) fail(ctx context.Context, key string, p processor.Processor, err error, stack []byte) {
	expected := stack == nil && IsExpected(err)
	switch {
	case expected:
		logger.DebugCtx(ctx, "Connection closed", logger.KeyError, err.Error())
	case stack != nil:
		logger.ErrorCtx(ctx, "Panic while processing socket",
			logger.KeyError, err.Error(),
			logger.KeyStack, string(stack))
	default:
		logger.ErrorCtx(ctx, "Error processing socket", logger.KeyError, err.Error())
	}
	if d.metrics != nil {
		d.metrics.RecordDispatchError(expected)
	}

	if bound, ok := d.registry.Unbind(key); ok {
		p = bound
	}
	d.waiting.Delete(key)
	d.discard(p)
}

func (d *Dispatcher) unregister(processor.Processor) {
	if d.metrics != nil {
		d.metrics.RecordProcessorDropped()
	}
}

func (d *Dispatcher) recordPoolSize() {
	if d.metrics != nil {
		d.metrics.SetPoolSize(int(d.pool.Len()))
	}
}

// TimeoutWaiting offers every processor parked on an async request the
// chance to time out. now is a unix millisecond timestamp; a negative value
// forces every waiting request to time out.
func (d *Dispatcher) TimeoutWaiting(now int64) {
	d.waiting.Range(func(_ string, p processor.Processor) bool {
		if t, ok := p.(processor.AsyncTimeouter); ok {
			t.TimeoutAsync(now)
		}
		return true
	})
}

// Close drops all idle processors and releases the ones still bound. It is
// called once every connection has been closed.
func (d *Dispatcher) Close() {
	d.registry.Range(func(key string, _ processor.Processor) bool {
		if p, ok := d.registry.Unbind(key); ok {
			d.discard(p)
		}
		return true
	})
	d.waiting.Clear()
	d.pool.Clear()
	d.recordPoolSize()
}

// IsExpected reports whether err is a normal way for a connection to end:
// the peer went away, the socket was closed locally, or the peer sent
// something the protocol rejects.
func IsExpected(err error) bool {
	if err == nil {
		return true
	}

	var protoErr *processor.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
