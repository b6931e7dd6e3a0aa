package async

import (
	"errors"
	"fmt"
)

// ErrInvalidState matches every *InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("async: invalid state")

// ErrNoExecutor is returned by Run on a machine built without an executor.
var ErrNoExecutor = errors.New("async: no executor configured")

// InvalidStateError reports an operation attempted from a state that does
// not allow it. The machine's state is left unchanged.
type InvalidStateError struct {
	Op    Op
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("async: %s() is not valid in state %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
