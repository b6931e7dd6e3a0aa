// Package adapter provides the TCP endpoint that accepts connections,
// wraps them as processor.SocketWrapper values and feeds their socket
// events to a connection handler.
package adapter

import "context"

// Adapter is a network endpoint managed by the server lifecycle.
//
// Lifecycle:
//  1. Creation: the endpoint is created with its configuration and handler
//  2. Startup: Serve() listens and blocks until shutdown
//  3. Shutdown: Stop() initiates graceful shutdown bounded by its context
//
// Stop may be called concurrently with Serve and more than once.
type Adapter interface {
	// Serve starts the endpoint and blocks until the context is cancelled
	// or an unrecoverable error occurs. Returning before cancellation is
	// treated as fatal by the server.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown and waits for connections to drain
	// until ctx is done.
	Stop(ctx context.Context) error

	// Pause stops handing new connections to the handler; Resume undoes it.
	Pause()
	Resume()

	// Protocol returns the protocol name for logging and metrics.
	Protocol() string

	// Port returns the configured port.
	Port() int
}

var _ Adapter = (*Endpoint)(nil)
