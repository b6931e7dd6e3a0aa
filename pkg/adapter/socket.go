package adapter

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/processor"
)

// DefaultReadBufferSize is the size of the per-connection read buffer.
const DefaultReadBufferSize = 4096

// Handler processes socket events. *connection.Dispatcher implements it.
type Handler interface {
	Process(ctx context.Context, sw processor.SocketWrapper, status processor.SocketStatus) processor.SocketState
}

// Socket wraps an accepted net.Conn. Events queued with ProcessSocket are
// handed to the Handler one at a time, in order, by the socket's own
// goroutine, so a connection is never processed concurrently.
//
// Read interest is a one-shot wait for input: a goroutine peeks the read
// buffer and queues OPEN_READ when data arrives, TIMEOUT when the idle
// timeout expires first, or DISCONNECT when the peer goes away.
type Socket struct {
	id          string
	conn        net.Conn
	reader      *bufio.Reader
	negotiated  string
	idleTimeout time.Duration
	handler     Handler

	writeMu sync.Mutex

	async    atomic.Bool
	interest atomic.Bool
	closed   atomic.Bool

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	queue  []processor.SocketStatus
	signal chan struct{}
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithNegotiatedProtocol sets the protocol agreed during connection setup.
func WithNegotiatedProtocol(name string) SocketOption {
	return func(s *Socket) { s.negotiated = name }
}

// WithSocketIdleTimeout bounds how long read interest waits for input.
func WithSocketIdleTimeout(d time.Duration) SocketOption {
	return func(s *Socket) { s.idleTimeout = d }
}

// WithReadBufferSize sets the read buffer size.
func WithReadBufferSize(n int) SocketOption {
	return func(s *Socket) {
		if n > 0 {
			s.reader = bufio.NewReaderSize(s.conn, n)
		}
	}
}

// NewSocket wraps conn. Call Run to start delivering events to h.
func NewSocket(conn net.Conn, h Handler, opts ...SocketOption) *Socket {
	s := &Socket{
		id:      uuid.NewString(),
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, DefaultReadBufferSize),
		handler: h,
		done:    make(chan struct{}),
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Socket) ID() string                 { return s.id }
func (s *Socket) RemoteAddr() string         { return s.conn.RemoteAddr().String() }
func (s *Socket) Closed() bool               { return s.closed.Load() }
func (s *Socket) NegotiatedProtocol() string { return s.negotiated }
func (s *Socket) Reader() *bufio.Reader      { return s.reader }
func (s *Socket) SetAsync(async bool)        { s.async.Store(async) }
func (s *Socket) IsAsync() bool              { return s.async.Load() }

// Done is closed once the socket is closed.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Write is safe for concurrent use by container and application goroutines.
func (s *Socket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(p)
}

// ProcessSocket queues status for the socket's goroutine. It never blocks.
func (s *Socket) ProcessSocket(status processor.SocketStatus) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, status)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// RegisterReadInterest arms a single wait for input. Data already buffered
// is reported immediately.
func (s *Socket) RegisterReadInterest() {
	if s.closed.Load() || !s.interest.CompareAndSwap(false, true) {
		return
	}
	if s.reader.Buffered() > 0 {
		s.interest.Store(false)
		s.ProcessSocket(processor.StatusOpenRead)
		return
	}
	go s.awaitInput()
}

func (s *Socket) awaitInput() {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
	_, err := s.reader.Peek(1)
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	s.interest.Store(false)

	if s.closed.Load() {
		return
	}
	switch {
	case err == nil:
		s.ProcessSocket(processor.StatusOpenRead)
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.ProcessSocket(processor.StatusTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.ProcessSocket(processor.StatusDisconnect)
	default:
		logger.Debug("Socket read failed", logger.KeyConnID, s.id, logger.KeyError, err)
		s.ProcessSocket(processor.StatusError)
	}
}

// Run delivers queued events to the handler until the handler reports the
// socket closed or Close is called. Read interest is registered first so
// the connection waits for its first request.
func (s *Socket) Run(ctx context.Context) {
	defer s.Close()

	s.RegisterReadInterest()
	for {
		select {
		case <-s.signal:
		case <-s.done:
			return
		}

		for {
			status, ok := s.next()
			if !ok {
				break
			}
			switch s.handler.Process(ctx, s, status) {
			case processor.SocketClosed:
				return
			case processor.SocketSendfile:
				// The payload was written in full; wait for the next request.
				s.RegisterReadInterest()
			}
		}
	}
}

func (s *Socket) next() (processor.SocketStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.closed.Load() {
		return 0, false
	}
	status := s.queue[0]
	s.queue = s.queue[1:]
	return status, true
}

// Close closes the connection. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// interruptRead sets a short deadline so a pending read returns.
func (s *Socket) interruptRead(deadline time.Time) error {
	return s.conn.SetReadDeadline(deadline)
}
