// Package processor defines the per-connection processing unit consumed by
// the connection dispatcher, the socket events it reacts to, the outcomes it
// reports, and the bounded free-list used to reuse processors across
// connections.
package processor

import (
	"bufio"
	"context"
)

// SocketStatus is the event that caused a socket to be dispatched.
type SocketStatus int

const (
	StatusOpenRead SocketStatus = iota
	StatusOpenWrite
	StatusDisconnect
	StatusTimeout
	StatusError
	StatusStop
)

var statusNames = [...]string{
	StatusOpenRead:   "OPEN_READ",
	StatusOpenWrite:  "OPEN_WRITE",
	StatusDisconnect: "DISCONNECT",
	StatusTimeout:    "TIMEOUT",
	StatusError:      "ERROR",
	StatusStop:       "STOP",
}

func (s SocketStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// SocketState is the outcome of one processing pass.
type SocketState int

const (
	SocketClosed SocketState = iota
	SocketOpen
	SocketLong
	SocketAsyncEnd
	SocketSendfile
	SocketUpgrading
	SocketUpgraded
)

var stateNames = [...]string{
	SocketClosed:    "CLOSED",
	SocketOpen:      "OPEN",
	SocketLong:      "LONG",
	SocketAsyncEnd:  "ASYNC_END",
	SocketSendfile:  "SENDFILE",
	SocketUpgrading: "UPGRADING",
	SocketUpgraded:  "UPGRADED",
}

func (s SocketState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// SocketWrapper is the dispatcher's view of one live connection.
type SocketWrapper interface {
	// ID is the socket identity used as the registry key.
	ID() string
	RemoteAddr() string

	// Closed reports whether the underlying socket is gone.
	Closed() bool

	// NegotiatedProtocol is the protocol agreed during connection setup
	// (ALPN or equivalent), or "" for the endpoint's default protocol.
	NegotiatedProtocol() string

	Reader() *bufio.Reader
	Write(p []byte) (int, error)

	// SetAsync marks whether the connection is parked waiting for an
	// application-triggered dispatch rather than for socket input.
	SetAsync(async bool)
	IsAsync() bool

	// RegisterReadInterest asks for an OPEN_READ event once input is available.
	RegisterReadInterest()

	// ProcessSocket queues a new event for this socket. It never blocks and
	// is safe to call from any goroutine.
	ProcessSocket(status SocketStatus)

	Close() error
}

// Processor turns socket events into application-visible work. A processor
// is owned by exactly one of the pool (idle) or the registry (bound).
type Processor interface {
	// Process handles a new request on sw.
	Process(ctx context.Context, sw SocketWrapper, status SocketStatus) (SocketState, error)

	// AsyncDispatch resumes a processor whose request went async, or which
	// just returned SocketAsyncEnd.
	AsyncDispatch(ctx context.Context, sw SocketWrapper, status SocketStatus) (SocketState, error)

	// AsyncPostProcess resolves the async state after a processing pass.
	AsyncPostProcess() (SocketState, error)

	IsAsync() bool
	IsUpgrade() bool

	// UpgradeToken is non-nil once the processor has agreed to switch
	// protocols (Process returned SocketUpgrading) or is an upgrade processor.
	UpgradeToken() *UpgradeToken

	// Recycle resets the processor for reuse.
	Recycle()
}

// AsyncTimeouter is implemented by processors that support async timeouts.
// now is a unix millisecond timestamp; a negative value forces the timeout.
type AsyncTimeouter interface {
	TimeoutAsync(now int64)
}

// Protocol creates processors for the endpoint's default protocol.
type Protocol interface {
	Name() string
	CreateProcessor() Processor
}

// UpgradeProtocol creates processors for sockets whose negotiated protocol
// matches Name.
type UpgradeProtocol interface {
	Name() string
	Processor(sw SocketWrapper) Processor
}
