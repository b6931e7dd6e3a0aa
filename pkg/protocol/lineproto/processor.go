package lineproto

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/async"
	"github.com/marmos91/coyote/pkg/processor"
)

// Replies.
const (
	replyPong       = "PONG"
	replyDone       = "DONE"
	replyDispatched = "DISPATCHED"
	replyTimeout    = "TIMEOUT"
	replyError      = "ERROR"
	replyUpgraded   = "UPGRADED " + EchoName
	replyBye        = "BYE"
)

type requestKind int

const (
	kindComplete requestKind = iota
	kindDispatch
	kindError
)

func (k requestKind) String() string {
	switch k {
	case kindDispatch:
		return "dispatch"
	case kindError:
		return "error"
	default:
		return "complete"
	}
}

// episode is one async request. Everything but done is fixed at creation.
type episode struct {
	gen      uint64
	kind     requestKind
	sw       processor.SocketWrapper
	deadline int64

	// done is set by whichever side settles the request first: the worker
	// or the container handling a timeout or error. Guarded by Processor.mu.
	done bool
}

// Processor serves one line protocol connection at a time.
type Processor struct {
	proto   *Protocol
	machine *async.Machine
	cb      callback

	// mu guards ep and token, and serializes workers settling a request with
	// the container inspecting the machine state. Lock order: mu, then the
	// machine's own lock.
	mu    sync.Mutex
	ep    *episode
	token *processor.UpgradeToken

	// resumed is set when an async request has just ended so the next
	// Process call only handles input that is already buffered. Container
	// goroutine only.
	resumed bool

	// inFlight counts in-progress increments not yet matched, so a processor
	// recycled mid-request leaves the shared counter balanced.
	inFlight atomic.Int64
}

var (
	_ processor.Processor      = (*Processor)(nil)
	_ processor.AsyncTimeouter = (*Processor)(nil)
)

func newProcessor(proto *Protocol) *Processor {
	p := &Processor{proto: proto}
	p.cb = callback{p: p}
	p.machine = async.NewMachine(
		async.WithExecutor(proto.executor),
		async.WithTransitionHook(proto.recordTransition),
		async.WithRunLabels("coyote.pool", "async", "protocol", Name),
	)
	return p
}

// Machine exposes the processor's async state machine.
func (p *Processor) Machine() *async.Machine { return p.machine }

func (p *Processor) Process(ctx context.Context, sw processor.SocketWrapper, status processor.SocketStatus) (processor.SocketState, error) {
	resumed := p.resumed
	p.resumed = false

	if resumed && sw.Reader().Buffered() == 0 {
		return processor.SocketOpen, nil
	}
	if !resumed && status != processor.StatusOpenRead {
		return processor.SocketClosed, nil
	}

	line, err := readLine(sw.Reader())
	if err != nil {
		return processor.SocketClosed, err
	}

	cmd := parseCommand(line)
	switch cmd.verb {
	case "":
		return processor.SocketOpen, nil
	case verbPing:
		return reply(sw, replyPong, processor.SocketOpen)
	case verbEcho:
		return reply(sw, cmd.arg, processor.SocketOpen)
	case verbAsync, verbDispatch:
		delay, _, err := parseDelay(cmd.arg, false)
		if err != nil {
			return reply(sw, "ERR "+err.Error(), processor.SocketOpen)
		}
		kind := kindComplete
		if cmd.verb == verbDispatch {
			kind = kindDispatch
		}
		ep, err := p.begin(ctx, sw, kind)
		if err != nil {
			return processor.SocketClosed, err
		}
		return p.submit(ctx, ep, delay), nil
	case verbError:
		delay, deferred, err := parseDelay(cmd.arg, true)
		if err != nil {
			return reply(sw, "ERR "+err.Error(), processor.SocketOpen)
		}
		ep, err := p.begin(ctx, sw, kindError)
		if err != nil {
			return processor.SocketClosed, err
		}
		if deferred {
			return p.submit(ctx, ep, delay), nil
		}
		p.machine.Error(ctx)
		return processor.SocketLong, nil
	case verbUpgrade:
		p.mu.Lock()
		p.token = &processor.UpgradeToken{Protocol: EchoName, Handler: &echoHandler{}}
		p.mu.Unlock()
		return reply(sw, replyUpgraded, processor.SocketUpgrading)
	case verbQuit:
		return reply(sw, replyBye, processor.SocketClosed)
	default:
		return reply(sw, "ERR "+errUnknownCommand.Error(), processor.SocketOpen)
	}
}

// begin starts an async request and takes the initial in-progress count.
func (p *Processor) begin(ctx context.Context, sw processor.SocketWrapper, kind requestKind) (*episode, error) {
	gen, err := p.machine.Start(p.cb)
	if err != nil {
		return nil, err
	}
	p.cb.IncrementInProgress()

	ep := &episode{gen: gen, kind: kind, sw: sw}
	if d := p.proto.asyncTimeout; d > 0 {
		ep.deadline = p.proto.now().Add(d).UnixMilli()
	}
	p.mu.Lock()
	p.ep = ep
	p.mu.Unlock()

	logger.DebugCtx(ctx, "Async request started",
		logger.KeyOp, kind.String(),
		logger.KeyGeneration, gen)
	return ep, nil
}

// submit hands the request to a worker that settles it after delay. When
// the executor refuses the work the request fails on the spot.
func (p *Processor) submit(ctx context.Context, ep *episode, delay time.Duration) processor.SocketState {
	recycled := p.machine.Recycled()
	err := p.machine.Run(ctx, func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.settle(ep)
		case <-recycled:
		}
	})
	if err != nil {
		logger.DebugCtx(ctx, "Async work rejected", logger.KeyError, err.Error())
		p.machine.Error(ctx)
	}
	return processor.SocketLong
}

// settle runs on a worker goroutine and completes, dispatches or fails ep
// unless the container already settled it.
func (p *Processor) settle(ep *episode) {
	ctx := async.OffContainer(context.Background())
	status := processor.StatusOpenRead

	p.mu.Lock()
	if ep.done || !p.machine.IsCurrentGeneration(ep.gen) {
		p.mu.Unlock()
		return
	}
	// A timeout already queued for the container answers the request.
	if ep.kind == kindError && p.machine.IsTimingOut() {
		p.mu.Unlock()
		return
	}
	ep.done = true

	var (
		redispatch bool
		err        error
	)
	switch ep.kind {
	case kindDispatch:
		redispatch, err = p.machine.Dispatch(ctx)
	case kindError:
		// While starting, AsyncPostProcess picks the error up on the
		// container, so no extra event is needed.
		starting := p.machine.State() == async.StateStarting
		redispatch = p.machine.Error(ctx) && !starting
		status = processor.StatusError
	default:
		redispatch, err = p.machine.Complete(ctx)
	}
	p.mu.Unlock()

	if err != nil {
		logger.Debug("Async request already settled",
			logger.KeyGeneration, ep.gen,
			logger.KeyError, err.Error())
		return
	}
	if redispatch {
		ep.sw.ProcessSocket(status)
	}
}

func (p *Processor) AsyncDispatch(ctx context.Context, sw processor.SocketWrapper, status processor.SocketStatus) (processor.SocketState, error) {
	if !p.machine.IsAsync() {
		p.resumed = true
		return processor.SocketOpen, nil
	}
	if status == processor.StatusStop || status == processor.StatusDisconnect {
		return processor.SocketClosed, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.machine.IsCompleting():
		return reply(sw, replyDone, processor.SocketLong)
	case p.machine.IsDispatching():
		return reply(sw, replyDispatched, processor.SocketLong)
	case p.machine.IsTimingOut():
		return p.failLocked(ctx, sw, replyTimeout)
	case p.machine.IsError():
		return p.failLocked(ctx, sw, replyError)
	default:
		return processor.SocketLong, nil
	}
}

// failLocked answers a request that timed out or errored and completes it
// on the container. Callers hold p.mu.
func (p *Processor) failLocked(ctx context.Context, sw processor.SocketWrapper, msg string) (processor.SocketState, error) {
	if p.ep != nil {
		p.ep.done = true
	}
	if state, err := reply(sw, msg, processor.SocketLong); err != nil {
		return state, err
	}
	if _, err := p.machine.Complete(ctx); err != nil {
		return processor.SocketClosed, err
	}
	return processor.SocketLong, nil
}

// AsyncPostProcess resolves the async state after a pass. A request that
// failed while it was still starting is answered and completed first.
func (p *Processor) AsyncPostProcess() (processor.SocketState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.machine.State() == async.StateMustError && p.ep != nil {
		if state, err := p.failLocked(context.Background(), p.ep.sw, replyError); err != nil {
			return state, err
		}
	}
	return p.machine.PostProcess()
}

// TimeoutAsync times out the current request once its deadline has passed.
// A negative now forces the timeout.
func (p *Processor) TimeoutAsync(now int64) {
	p.mu.Lock()
	ep := p.ep
	p.mu.Unlock()

	if ep == nil || !p.machine.IsCurrentGeneration(ep.gen) {
		return
	}
	if now >= 0 && (ep.deadline == 0 || now < ep.deadline) {
		return
	}

	fire, err := p.machine.Timeout()
	if err != nil || !fire {
		return
	}
	if p.proto.metrics != nil {
		p.proto.metrics.RecordTimeout()
	}
	logger.Debug("Async request timed out", logger.KeyGeneration, ep.gen)
	ep.sw.ProcessSocket(processor.StatusTimeout)
}

func (p *Processor) IsAsync() bool   { return p.machine.IsAsync() }
func (p *Processor) IsUpgrade() bool { return false }

func (p *Processor) UpgradeToken() *processor.UpgradeToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Processor) Recycle() {
	p.mu.Lock()
	if p.ep != nil {
		p.ep.done = true
		p.ep = nil
	}
	p.token = nil
	p.resumed = false
	p.mu.Unlock()

	p.machine.Recycle()
	if n := p.inFlight.Swap(0); n != 0 {
		p.proto.addInProgress(-n)
	}
}

func reply(sw processor.SocketWrapper, msg string, next processor.SocketState) (processor.SocketState, error) {
	if _, err := sw.Write([]byte(msg + "\n")); err != nil {
		return processor.SocketClosed, err
	}
	return next, nil
}

// callback is the application side of the processor's async requests. Its
// methods run under the machine lock and only touch atomics.
type callback struct {
	p *Processor
}

func (c callback) FireOnComplete() {
	logger.Debug("Async request complete", logger.KeyGeneration, c.p.machine.Generation())
}

func (c callback) IsAvailable() bool { return true }

func (c callback) IncrementInProgress() {
	c.p.inFlight.Add(1)
	c.p.proto.addInProgress(1)
}

func (c callback) DecrementInProgress() {
	c.p.inFlight.Add(-1)
	c.p.proto.addInProgress(-1)
}
