package async

import (
	"context"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/processor"
)

// Callback is the application side of an async request.
//
// IncrementInProgress and DecrementInProgress maintain the framework's count
// of in-flight async requests. The machine calls DecrementInProgress exactly
// once for every return to StateDispatched, and IncrementInProgress when an
// error re-enters async handling from StateDispatched. The caller of Start is
// responsible for the initial increment.
type Callback interface {
	FireOnComplete()
	IsAvailable() bool
	IncrementInProgress()
	DecrementInProgress()
}

// Executor runs tasks on container goroutines. Submit must not block.
type Executor interface {
	Submit(task func()) error
}

// TransitionHook observes every applied transition. It runs with the
// machine lock held and must not call back into the machine.
type TransitionHook func(Transition)

// Option configures a Machine.
type Option func(*Machine)

// WithExecutor sets the executor used by Run.
func WithExecutor(e Executor) Option {
	return func(m *Machine) { m.executor = e }
}

// WithListenerReset sets the function called when non-blocking read and
// write listeners must be dropped.
func WithListenerReset(fn func()) Option {
	return func(m *Machine) { m.clearListeners = fn }
}

// WithClock replaces time.Now for start timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithTransitionHook registers a hook called after each transition.
func WithTransitionHook(h TransitionHook) Option {
	return func(m *Machine) { m.hook = h }
}

// WithRunLabels sets the profiler labels that tasks submitted through Run
// inherit, regardless of the labels on the submitting goroutine.
func WithRunLabels(kv ...string) Option {
	return func(m *Machine) { m.runLabels = pprof.Labels(kv...) }
}

// Machine is the async state machine for one connection. All transitions are
// serialized by a single mutex; state and generation reads are lock-free.
type Machine struct {
	mu sync.Mutex

	state          atomic.Int32
	generation     atomic.Uint64
	lastAsyncStart atomic.Int64
	cb             Callback
	recycled       chan struct{}

	executor       Executor
	clearListeners func()
	now            func() time.Time
	hook           TransitionHook
	runLabels      pprof.LabelSet
}

// NewMachine creates a machine in StateDispatched.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		now:       time.Now,
		recycled:  make(chan struct{}),
		runLabels: pprof.Labels("coyote.pool", "async"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return State(m.state.Load()) }

// Generation returns the number of Start calls so far.
func (m *Machine) Generation() uint64 { return m.generation.Load() }

// IsCurrentGeneration reports whether an event tagged with gen belongs to
// the async episode in progress. Events from earlier episodes are stale.
func (m *Machine) IsCurrentGeneration(gen uint64) bool {
	return gen == m.generation.Load()
}

// LastAsyncStart returns the unix millisecond timestamp of the last Start,
// or 0 when the machine has not been used since it was last recycled.
func (m *Machine) LastAsyncStart() int64 { return m.lastAsyncStart.Load() }

func (m *Machine) IsAsync() bool       { return m.State().IsAsync() }
func (m *Machine) IsStarted() bool     { return m.State().IsStarted() }
func (m *Machine) IsCompleting() bool  { return m.State().IsCompleting() }
func (m *Machine) IsDispatching() bool { return m.State().IsDispatching() }
func (m *Machine) IsTimingOut() bool   { return m.State() == StateTimingOut }
func (m *Machine) IsError() bool       { return m.State() == StateError }

// Start begins an async episode. Legal only from StateDispatched.
func (m *Machine) Start(cb Callback) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.transitionLocked(OpStart, false)
	if err != nil {
		return 0, err
	}
	gen := m.generation.Add(1)
	m.cb = cb
	m.lastAsyncStart.Store(m.now().UnixMilli())
	m.reportLocked(t)
	return gen, nil
}

// Operation records a non-blocking read or write started from StateStarted.
func (m *Machine) Operation() error {
	_, err := m.apply(OpOperation, false)
	return err
}

// PostProcess resolves the state after a processing pass. It returns
// SocketLong when the connection should keep waiting and SocketAsyncEnd when
// the dispatcher must run another pass.
func (m *Machine) PostProcess() (processor.SocketState, error) {
	t, err := m.apply(OpPostProcess, false)
	if err != nil {
		return processor.SocketClosed, err
	}
	return t.Outcome, nil
}

// Complete requests completion. The result reports whether the caller must
// redispatch the socket so a container goroutine finishes the request.
func (m *Machine) Complete(ctx context.Context) (bool, error) {
	t, err := m.apply(OpComplete, OnContainer(ctx))
	return t.Signal, err
}

// Dispatch requests a dispatch back into the application. The result
// reports whether the caller must redispatch the socket.
func (m *Machine) Dispatch(ctx context.Context) (bool, error) {
	t, err := m.apply(OpDispatch, OnContainer(ctx))
	return t.Signal, err
}

// Timeout reports whether an async timeout must be processed. A timeout that
// lost the race against Complete or Dispatch returns false without error.
func (m *Machine) Timeout() (bool, error) {
	t, err := m.apply(OpTimeout, false)
	return t.Signal, err
}

// Dispatched finishes a dispatch started by Dispatch.
func (m *Machine) Dispatched() error {
	_, err := m.apply(OpDispatched, false)
	return err
}

// Error moves the machine into error handling. The result reports whether
// the caller is off the container goroutine and must redispatch the socket.
func (m *Machine) Error(ctx context.Context) bool {
	t, _ := m.apply(OpError, OnContainer(ctx))
	return t.Signal
}

// Run submits task to the executor. The submitting goroutine's profiler
// labels are swapped for the machine's run labels while Submit executes, so
// goroutines the executor spawns do not inherit the caller's labels.
// Afterwards the goroutine gets the labels carried by ctx back, even when
// Submit fails.
func (m *Machine) Run(ctx context.Context, task func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.applyLocked(OpRun, false); err != nil {
		return err
	}
	if m.executor == nil {
		return ErrNoExecutor
	}

	pprof.SetGoroutineLabels(pprof.WithLabels(context.Background(), m.runLabels))
	defer pprof.SetGoroutineLabels(ctx)
	return m.executor.Submit(task)
}

// IsAvailable reports whether the application can make progress. With no
// callback registered the request was completed elsewhere and the caller
// should force a timeout to clean up.
func (m *Machine) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cb == nil {
		return false
	}
	return m.cb.IsAvailable()
}

// Recycled returns a channel closed by the next Recycle that resets the
// machine. Goroutines parked on the async request select on it so they are
// released when the connection is recycled.
func (m *Machine) Recycled() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recycled
}

// Recycle resets the machine to StateDispatched. It does nothing when the
// machine has not been started since the last Recycle.
func (m *Machine) Recycle() {
	if m.lastAsyncStart.Load() == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAsyncStart.Load() == 0 {
		return
	}

	close(m.recycled)
	m.recycled = make(chan struct{})
	m.cb = nil
	m.state.Store(int32(StateDispatched))
	m.lastAsyncStart.Store(0)
}

func (m *Machine) apply(op Op, onContainer bool) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(op, onContainer)
}

// applyLocked computes and applies one transition. Effects run in order
// with the lock held; decrements run after the state change so a callback
// reading State observes the machine already back in StateDispatched.
func (m *Machine) applyLocked(op Op, onContainer bool) (Transition, error) {
	t, err := m.transitionLocked(op, onContainer)
	if err != nil {
		return t, err
	}
	m.reportLocked(t)
	return t, nil
}

// transitionLocked moves the machine and runs the transition's effects.
func (m *Machine) transitionLocked(op Op, onContainer bool) (Transition, error) {
	t, err := Next(op, m.State(), onContainer)
	if err != nil {
		logger.Debug("Invalid async transition", logger.KeyOp, op.String(), logger.KeyState, t.From.String())
		return t, err
	}

	decrement := false
	for _, e := range t.Effects {
		if e == EffectDecrementInProgress {
			decrement = true
			continue
		}
		m.runEffect(e)
	}
	m.state.Store(int32(t.To))
	if decrement {
		m.runEffect(EffectDecrementInProgress)
	}
	return t, nil
}

// reportLocked logs t and hands it to the transition hook.
func (m *Machine) reportLocked(t Transition) {
	if t.Changed() && logger.IsDebugEnabled() {
		logger.Debug("Async state change",
			logger.KeyOp, t.Op.String(),
			"from", t.From.String(),
			"to", t.To.String(),
			logger.KeyGeneration, m.generation.Load())
	}
	if m.hook != nil {
		m.hook(t)
	}
}

func (m *Machine) runEffect(e Effect) {
	switch e {
	case EffectClearListeners:
		if m.clearListeners != nil {
			m.clearListeners()
		}
	case EffectFireOnComplete:
		if m.cb != nil {
			m.cb.FireOnComplete()
		}
	case EffectIncrementInProgress:
		if m.cb != nil {
			m.cb.IncrementInProgress()
		}
	case EffectDecrementInProgress:
		if m.cb != nil {
			m.cb.DecrementInProgress()
		}
	}
}
