// Package async implements the state machine that tracks an asynchronous
// request on one connection, from the moment the application starts async
// processing until the connection is dispatched back to synchronous handling.
package async

// State is the async state of one connection.
type State int32

const (
	StateDispatched State = iota
	StateStarting
	StateStarted
	StateMustComplete
	StateCompletePending
	StateCompleting
	StateTimingOut
	StateMustDispatch
	StateDispatchPending
	StateDispatching
	StateReadWriteOp
	StateMustError
	StateError

	numStates = int(StateError) + 1
)

type stateInfo struct {
	name        string
	async       bool
	started     bool
	completing  bool
	dispatching bool
}

var states = [numStates]stateInfo{
	StateDispatched:      {"DISPATCHED", false, false, false, false},
	StateStarting:        {"STARTING", true, true, false, false},
	StateStarted:         {"STARTED", true, true, false, false},
	StateMustComplete:    {"MUST_COMPLETE", true, true, true, false},
	StateCompletePending: {"COMPLETE_PENDING", true, true, false, false},
	StateCompleting:      {"COMPLETING", true, false, true, false},
	StateTimingOut:       {"TIMING_OUT", true, true, false, false},
	StateMustDispatch:    {"MUST_DISPATCH", true, true, false, true},
	StateDispatchPending: {"DISPATCH_PENDING", true, true, false, false},
	StateDispatching:     {"DISPATCHING", true, false, false, true},
	StateReadWriteOp:     {"READ_WRITE_OP", true, true, false, false},
	StateMustError:       {"MUST_ERROR", true, true, false, false},
	StateError:           {"ERROR", true, true, false, false},
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	out := make([]State, numStates)
	for i := range out {
		out[i] = State(i)
	}
	return out
}

func (s State) valid() bool { return s >= 0 && int(s) < numStates }

func (s State) String() string {
	if !s.valid() {
		return "UNKNOWN"
	}
	return states[s].name
}

// IsAsync reports whether an async request is in flight.
func (s State) IsAsync() bool { return s.valid() && states[s].async }

// IsStarted reports whether the application may still call Complete or Dispatch.
func (s State) IsStarted() bool { return s.valid() && states[s].started }

// IsCompleting reports whether completion has been requested.
func (s State) IsCompleting() bool { return s.valid() && states[s].completing }

// IsDispatching reports whether a dispatch has been requested.
func (s State) IsDispatching() bool { return s.valid() && states[s].dispatching }
