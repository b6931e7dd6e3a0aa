package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/marmos91/coyote/pkg/processor"
)

// Config holds the TCP endpoint configuration.
type Config struct {
	// BindAddress is the IP address to bind to.
	// Empty string or "0.0.0.0" binds to all interfaces.
	BindAddress string

	// Port is the TCP port to listen on. 0 picks a free port.
	Port int

	// MaxConnections limits the number of concurrent client connections.
	// 0 means unlimited.
	MaxConnections int

	// ShutdownTimeout is the maximum duration to wait for active connections
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration

	// IdleTimeout bounds how long a connection may wait for its next
	// request. 0 disables the timeout.
	IdleTimeout time.Duration

	// MetricsLogInterval is the interval at which to log endpoint metrics.
	// 0 disables periodic metrics logging.
	MetricsLogInterval time.Duration
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithAdapterMetrics sets the connection lifecycle metrics sink.
func WithAdapterMetrics(m metrics.AdapterMetrics) EndpointOption {
	return func(e *Endpoint) { e.metrics = m }
}

// WithNegotiator sets the function deriving the negotiated protocol of an
// accepted connection. It runs on the accept goroutine.
func WithNegotiator(fn func(net.Conn) string) EndpointOption {
	return func(e *Endpoint) { e.negotiate = fn }
}

// Endpoint accepts TCP connections and feeds their socket events to a
// Handler.
//
// Thread safety:
// All exported methods are safe for concurrent use. Shutdown is guarded by
// sync.Once so Stop may be called more than once and concurrently with Serve.
type Endpoint struct {
	config    Config
	protocol  string
	handler   Handler
	metrics   metrics.AdapterMetrics
	negotiate func(net.Conn) string

	listener      net.Listener
	listenerMu    sync.RWMutex
	listenerReady chan struct{}

	// activeConns tracks the socket goroutines for graceful shutdown.
	activeConns sync.WaitGroup
	connCount   atomic.Int32
	sockets     *xsync.MapOf[string, *Socket]

	// connSemaphore limits concurrent connections if MaxConnections > 0.
	connSemaphore chan struct{}

	pauseMu sync.Mutex
	resumed chan struct{} // nil while running, closed by Resume

	shutdownOnce   sync.Once
	shutdown       chan struct{}
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc
}

// NewEndpoint creates a stopped endpoint. Call Serve to start it.
func NewEndpoint(config Config, protocol string, h Handler, opts ...EndpointOption) *Endpoint {
	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug(protocol+" connection limit", logger.KeyMax, config.MaxConnections)
	} else {
		logger.Debug(protocol+" connection limit", logger.KeyMax, "unlimited")
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		config:         config,
		protocol:       protocol,
		handler:        h,
		listenerReady:  make(chan struct{}),
		sockets:        xsync.NewMapOf[string, *Socket](),
		connSemaphore:  connSemaphore,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve listens and runs the accept loop until ctx is cancelled or Stop
// is called.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the listener fails to start or connections had to be force-closed
func (e *Endpoint) Serve(ctx context.Context) error {
	listenAddr := net.JoinHostPort(e.config.BindAddress, fmt.Sprint(e.config.Port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to create %s listener on port %d: %w", e.protocol, e.config.Port, err)
	}

	e.listenerMu.Lock()
	e.listener = listener
	e.listenerMu.Unlock()
	close(e.listenerReady)

	logger.Info(e.protocol+" endpoint listening", logger.KeyListenAddr, listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info(e.protocol+" shutdown signal received", logger.KeyError, ctx.Err())
			e.initiateShutdown()
		case <-e.shutdown:
		}
	}()

	if e.config.MetricsLogInterval > 0 {
		go e.logMetrics(ctx)
	}

	for {
		if e.connSemaphore != nil {
			select {
			case e.connSemaphore <- struct{}{}:
			case <-e.shutdown:
				return e.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			e.releaseSlot()
			select {
			case <-e.shutdown:
				return e.gracefulShutdown()
			default:
				logger.Debug("Error accepting "+e.protocol+" connection", logger.KeyError, err)
				continue
			}
		}

		if !e.waitWhilePaused() {
			_ = tcpConn.Close()
			e.releaseSlot()
			return e.gracefulShutdown()
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Debug("Failed to set TCP_NODELAY", logger.KeyError, err)
			}
		}

		e.startSocket(tcpConn)
	}
}

func (e *Endpoint) startSocket(conn net.Conn) {
	opts := []SocketOption{WithSocketIdleTimeout(e.config.IdleTimeout)}
	if e.negotiate != nil {
		opts = append(opts, WithNegotiatedProtocol(e.negotiate(conn)))
	}
	sock := NewSocket(conn, e.handler, opts...)

	e.activeConns.Add(1)
	current := e.connCount.Add(1)
	e.sockets.Store(sock.ID(), sock)

	if e.metrics != nil {
		e.metrics.RecordConnectionAccepted()
		e.metrics.SetActiveConnections(current)
	}
	logger.Debug(e.protocol+" connection accepted",
		logger.KeyConnID, sock.ID(),
		logger.KeyClientAddr, sock.RemoteAddr(),
		logger.KeyActive, current)

	go func() {
		defer func() {
			e.sockets.Delete(sock.ID())
			e.activeConns.Done()
			remaining := e.connCount.Add(-1)
			e.releaseSlot()

			if e.metrics != nil {
				e.metrics.RecordConnectionClosed()
				e.metrics.SetActiveConnections(remaining)
			}
			logger.Debug(e.protocol+" connection closed",
				logger.KeyConnID, sock.ID(),
				logger.KeyActive, remaining)
		}()

		sock.Run(e.shutdownCtx)
	}()
}

func (e *Endpoint) releaseSlot() {
	if e.connSemaphore != nil {
		<-e.connSemaphore
	}
}

// Pause stops handing accepted connections to the handler. Connections
// accepted while paused are held until Resume; existing connections are
// unaffected.
func (e *Endpoint) Pause() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.resumed == nil {
		e.resumed = make(chan struct{})
		logger.Info(e.protocol + " endpoint paused")
	}
}

// Resume undoes Pause.
func (e *Endpoint) Resume() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.resumed != nil {
		close(e.resumed)
		e.resumed = nil
		logger.Info(e.protocol + " endpoint resumed")
	}
}

// IsPaused reports whether the endpoint is paused.
func (e *Endpoint) IsPaused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	return e.resumed != nil
}

// waitWhilePaused blocks while the endpoint is paused. It returns false if
// shutdown started in the meantime.
func (e *Endpoint) waitWhilePaused() bool {
	e.pauseMu.Lock()
	ch := e.resumed
	e.pauseMu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-e.shutdown:
		return false
	}
}

// initiateShutdown signals the endpoint to begin graceful shutdown.
//
// Shutdown sequence:
//  1. Close shutdown channel (signals accept loop to stop)
//  2. Close listener (stops accepting new connections)
//  3. Queue STOP on every live socket
//  4. Interrupt blocking reads and cancel the request context
func (e *Endpoint) initiateShutdown() {
	e.shutdownOnce.Do(func() {
		logger.Debug(e.protocol + " shutdown initiated")
		close(e.shutdown)

		e.listenerMu.Lock()
		if e.listener != nil {
			if err := e.listener.Close(); err != nil {
				logger.Debug("Error closing "+e.protocol+" listener", logger.KeyError, err)
			}
		}
		e.listenerMu.Unlock()

		deadline := time.Now().Add(100 * time.Millisecond)
		e.sockets.Range(func(id string, sock *Socket) bool {
			sock.ProcessSocket(processor.StatusStop)
			if err := sock.interruptRead(deadline); err != nil {
				logger.Debug("Error setting shutdown deadline on connection",
					logger.KeyConnID, id, logger.KeyError, err)
			}
			return true
		})

		e.cancelRequests()
	})
}

// gracefulShutdown waits for active connections to complete or timeout.
func (e *Endpoint) gracefulShutdown() error {
	active := e.connCount.Load()
	logger.Info(e.protocol+" graceful shutdown: waiting for active connections",
		logger.KeyActive, active, "timeout", e.config.ShutdownTimeout.String())

	if e.waitConnections(e.config.ShutdownTimeout) {
		logger.Info(e.protocol + " graceful shutdown complete: all connections closed")
		return nil
	}

	remaining := e.connCount.Load()
	logger.Warn(e.protocol+" shutdown timeout exceeded - forcing closure",
		logger.KeyActive, remaining, "timeout", e.config.ShutdownTimeout.String())
	e.forceCloseConnections()
	return fmt.Errorf("%s shutdown timeout: %d connections force-closed", e.protocol, remaining)
}

// waitConnections waits up to timeout for every socket goroutine to exit.
// A non-positive timeout waits forever.
func (e *Endpoint) waitConnections(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Endpoint) forceCloseConnections() {
	closed := 0
	e.sockets.Range(func(id string, sock *Socket) bool {
		if err := sock.Close(); err != nil {
			logger.Debug("Error force-closing connection", logger.KeyConnID, id, logger.KeyError, err)
			return true
		}
		closed++
		if e.metrics != nil {
			e.metrics.RecordConnectionForceClosed()
		}
		return true
	})
	if closed > 0 {
		logger.Info("Force-closed connections", "count", closed)
	}
}

// Stop initiates shutdown and waits for active connections until ctx is
// done.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.initiateShutdown()

	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn(e.protocol+" shutdown context cancelled",
			logger.KeyActive, e.connCount.Load(), logger.KeyError, ctx.Err())
		return ctx.Err()
	}
}

func (e *Endpoint) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(e.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info(e.protocol+" metrics", "active_connections", e.connCount.Load())
		}
	}
}

// ActiveConnections returns the current number of active connections.
func (e *Endpoint) ActiveConnections() int32 {
	return e.connCount.Load()
}

// Addr returns the address the endpoint is listening on. It blocks until
// the listener is ready.
func (e *Endpoint) Addr() string {
	<-e.listenerReady

	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Port returns the configured TCP port.
func (e *Endpoint) Port() int { return e.config.Port }

// Protocol returns the protocol name used in logs and metrics.
func (e *Endpoint) Protocol() string { return e.protocol }
