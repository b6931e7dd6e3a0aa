// Package lineproto implements a newline-delimited command protocol served
// by the connection dispatcher.
//
// Every command is one line; every reply is one line:
//
//	PING              -> PONG
//	ECHO <text>       -> <text>
//	ASYNC <ms>        -> DONE after ms, or TIMEOUT if the async timeout fires first
//	DISPATCH <ms>     -> DISPATCHED after ms, via a dispatch back into the processor
//	ERROR [<ms>]      -> ERROR, immediately or after ms from a worker goroutine
//	UPGRADE           -> UPGRADED echo, then the connection echoes raw bytes
//	QUIT              -> BYE, then the connection is closed
//
// ASYNC, DISPATCH and ERROR park the connection on the async state machine
// until the worker they submit completes it, which makes the protocol a
// convenient driver for every dispatcher outcome.
package lineproto

import (
	"sync/atomic"
	"time"

	"github.com/marmos91/coyote/pkg/async"
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/marmos91/coyote/pkg/processor"
)

// Name is the protocol name used in configuration and metrics.
const Name = "line"

// Option configures a Protocol.
type Option func(*Protocol)

// WithExecutor sets the executor running async work. Without one, async
// commands fail with an ERROR reply.
func WithExecutor(e async.Executor) Option {
	return func(p *Protocol) { p.executor = e }
}

// WithAsyncTimeout bounds how long an async request may stay parked. A
// non-positive value disables the timeout.
func WithAsyncTimeout(d time.Duration) Option {
	return func(p *Protocol) { p.asyncTimeout = d }
}

// WithAsyncMetrics sets the async metrics sink. nil disables recording.
func WithAsyncMetrics(m metrics.AsyncMetrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// Protocol creates line protocol processors. All processors created by one
// Protocol share its executor and its in-progress counter.
type Protocol struct {
	executor     async.Executor
	asyncTimeout time.Duration
	metrics      metrics.AsyncMetrics
	now          func() time.Time

	inProgress atomic.Int64
}

var _ processor.Protocol = (*Protocol)(nil)

func New(opts ...Option) *Protocol {
	p := &Protocol{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Name() string { return Name }

func (p *Protocol) CreateProcessor() processor.Processor {
	return newProcessor(p)
}

// InProgress returns the number of async requests currently in flight.
func (p *Protocol) InProgress() int64 { return p.inProgress.Load() }

func (p *Protocol) addInProgress(delta int64) {
	p.inProgress.Add(delta)
	if p.metrics != nil {
		p.metrics.AddInProgress(int(delta))
	}
}

func (p *Protocol) recordTransition(t async.Transition) {
	if p.metrics != nil && t.Changed() {
		p.metrics.RecordTransition(t.Op.String(), t.From.String(), t.To.String())
	}
}
