package processor

import "fmt"

// ProtocolError reports malformed or unsupported input from the peer. The
// dispatcher treats it as an expected failure: the connection is closed and
// the error is logged at debug level.
type ProtocolError struct {
	Protocol string
	Msg      string
	Err      error
}

// NewProtocolError creates a ProtocolError wrapping err (which may be nil).
func NewProtocolError(protocol, msg string, err error) *ProtocolError {
	return &ProtocolError{Protocol: protocol, Msg: msg, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Protocol, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Protocol, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
