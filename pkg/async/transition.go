package async

import "github.com/marmos91/coyote/pkg/processor"

// Op names a state machine operation.
type Op int

const (
	OpStart Op = iota
	OpOperation
	OpPostProcess
	OpComplete
	OpTimeout
	OpDispatch
	OpDispatched
	OpError
	OpRun

	numOps = int(OpRun) + 1
)

var opNames = [numOps]string{
	OpStart:       "asyncStart",
	OpOperation:   "asyncOperation",
	OpPostProcess: "asyncPostProcess",
	OpComplete:    "asyncComplete",
	OpTimeout:     "asyncTimeout",
	OpDispatch:    "asyncDispatch",
	OpDispatched:  "asyncDispatched",
	OpError:       "asyncError",
	OpRun:         "asyncRun",
}

func (o Op) String() string {
	if o < 0 || int(o) >= numOps {
		return "unknown"
	}
	return opNames[o]
}

// AllOps lists every operation in declaration order.
func AllOps() []Op {
	out := make([]Op, numOps)
	for i := range out {
		out[i] = Op(i)
	}
	return out
}

// Effect is a side effect the machine performs while applying a transition.
type Effect uint8

const (
	EffectClearListeners Effect = iota + 1
	EffectIncrementInProgress
	EffectFireOnComplete
	EffectDecrementInProgress
)

func (e Effect) String() string {
	switch e {
	case EffectClearListeners:
		return "clearListeners"
	case EffectIncrementInProgress:
		return "incrementInProgress"
	case EffectFireOnComplete:
		return "fireOnComplete"
	case EffectDecrementInProgress:
		return "decrementInProgress"
	default:
		return "unknown"
	}
}

var (
	clearListeners  = []Effect{EffectClearListeners}
	completeAndExit = []Effect{EffectFireOnComplete, EffectDecrementInProgress}
	exitOnly        = []Effect{EffectDecrementInProgress}
	clearAndReenter = []Effect{EffectClearListeners, EffectIncrementInProgress}
	noEffects       []Effect
)

// Transition is the result of applying an operation to a state.
//
// Signal carries the operation's boolean result: for Complete and Dispatch,
// whether the caller must redispatch the socket to a container goroutine;
// for Timeout, whether the timeout must be processed; for Error, whether the
// caller is off the container goroutine. Outcome is only meaningful for
// PostProcess.
type Transition struct {
	Op      Op
	From    State
	To      State
	Signal  bool
	Outcome processor.SocketState
	Effects []Effect
}

// Changed reports whether the transition moves to a different state.
func (t Transition) Changed() bool { return t.From != t.To }

// Next computes the transition for op applied in state from. onContainer
// tells whether the caller is a container goroutine. Next has no side
// effects; an illegal (op, from) pair returns an *InvalidStateError.
func Next(op Op, from State, onContainer bool) (Transition, error) {
	t := Transition{Op: op, From: from, To: from, Outcome: processor.SocketClosed, Effects: noEffects}

	switch op {
	case OpStart:
		if from == StateDispatched {
			t.To = StateStarting
			return t, nil
		}

	case OpOperation:
		if from == StateStarted {
			t.To = StateReadWriteOp
			return t, nil
		}

	case OpPostProcess:
		switch from {
		case StateCompletePending:
			t.To, t.Outcome, t.Effects = StateCompleting, processor.SocketAsyncEnd, clearListeners
			return t, nil
		case StateDispatchPending:
			t.To, t.Outcome, t.Effects = StateDispatching, processor.SocketAsyncEnd, clearListeners
			return t, nil
		case StateStarting, StateReadWriteOp:
			t.To, t.Outcome = StateStarted, processor.SocketLong
			return t, nil
		case StateMustComplete, StateCompleting:
			t.To, t.Outcome, t.Effects = StateDispatched, processor.SocketAsyncEnd, completeAndExit
			return t, nil
		case StateMustDispatch:
			t.To, t.Outcome = StateDispatching, processor.SocketAsyncEnd
			return t, nil
		case StateDispatching:
			t.To, t.Outcome, t.Effects = StateDispatched, processor.SocketAsyncEnd, exitOnly
			return t, nil
		case StateStarted:
			// A listener dispatched to an async handler while timing out.
			t.Outcome = processor.SocketLong
			return t, nil
		}

	case OpComplete:
		return settle(t, onContainer, StateCompletePending, StateMustComplete, StateCompleting)

	case OpDispatch:
		return settle(t, onContainer, StateDispatchPending, StateMustDispatch, StateDispatching)

	case OpTimeout:
		switch from {
		case StateStarted:
			t.To, t.Signal = StateTimingOut, true
			return t, nil
		case StateCompleting, StateDispatching, StateDispatched:
			// complete() or dispatch() won the race against the timer.
			return t, nil
		}

	case OpDispatched:
		if from == StateDispatching || from == StateMustDispatch {
			t.To, t.Effects = StateDispatched, exitOnly
			return t, nil
		}

	case OpError:
		t.Signal = !onContainer
		switch from {
		case StateStarting:
			t.To, t.Effects = StateMustError, clearListeners
		case StateDispatched:
			t.To, t.Effects = StateError, clearAndReenter
		default:
			t.To, t.Effects = StateError, clearListeners
		}
		return t, nil

	case OpRun:
		switch from {
		case StateStarting, StateStarted, StateReadWriteOp:
			return t, nil
		}
	}

	return Transition{Op: op, From: from, To: from}, &InvalidStateError{Op: op, State: from}
}

// settle implements Complete and Dispatch, which differ only in their target
// states.
func settle(t Transition, onContainer bool, pending, must, active State) (Transition, error) {
	t.Effects = clearListeners
	switch t.From {
	case StateStarting:
		if !onContainer {
			// The original processing pass has not returned yet. A pending
			// dispatch leaves listeners to PostProcess.
			t.To = pending
			if t.Op == OpDispatch {
				t.Effects = noEffects
			}
			return t, nil
		}
		t.To = must
		return t, nil
	case StateMustError:
		t.To = must
		return t, nil
	case StateStarted:
		t.To, t.Signal = active, true
		return t, nil
	case StateReadWriteOp, StateTimingOut, StateError:
		// A container goroutine is already running the triggering callback
		// and will re-register the socket when it returns.
		t.To = active
		return t, nil
	}
	return Transition{Op: t.Op, From: t.From, To: t.From}, &InvalidStateError{Op: t.Op, State: t.From}
}
