package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/coyote/pkg/processor"
)

func newDispatcher(t *testing.T, script func(*fakeProcessor), opts ...Option) (*Dispatcher, *fakeProtocol, *fakeMetrics) {
	t.Helper()
	proto := &fakeProtocol{script: script}
	m := &fakeMetrics{}
	d := NewDispatcher(proto, append([]Option{WithMetrics(m)}, opts...)...)
	return d, proto, m
}

func bound(t *testing.T, d *Dispatcher, sw *fakeSocket) *fakeProcessor {
	t.Helper()
	p, ok := d.Registry().Lookup(sw.ID())
	require.True(t, ok, "expected a processor bound to the socket")
	fp, ok := p.(*fakeProcessor)
	require.True(t, ok)
	return fp
}

// ============================================================================
// Entry conditions
// ============================================================================

func TestDispatcher_ClosedSocket(t *testing.T) {
	d, proto, _ := newDispatcher(t, nil)

	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), nil, processor.StatusOpenRead))

	sw := newFakeSocket()
	sw.closed.Store(true)
	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Zero(t, proto.count())
}

func TestDispatcher_DisconnectWithoutProcessor(t *testing.T) {
	d, proto, _ := newDispatcher(t, nil)
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusDisconnect))
	assert.Zero(t, proto.count(), "no processor is allocated for a dead socket")
	assert.Zero(t, d.Registry().Len())
}

// ============================================================================
// Outcomes
// ============================================================================

func TestDispatcher_OpenRecyclesAndReuses(t *testing.T) {
	d, proto, m := newDispatcher(t, nil)
	sw := newFakeSocket()

	state := d.Process(context.Background(), sw, processor.StatusOpenRead)
	assert.Equal(t, processor.SocketOpen, state)
	assert.Zero(t, d.Registry().Len())
	assert.EqualValues(t, 1, sw.interest.Load())
	assert.Equal(t, 1, d.Stats().PoolSize)

	first := proto.created[0]
	assert.Equal(t, 1, first.recycledCount())
	assert.Equal(t, []bool{true}, first.container, "Process runs on a container context")

	// The next event on any socket reuses the pooled processor.
	other := newFakeSocket()
	d.Process(context.Background(), other, processor.StatusOpenRead)
	assert.Equal(t, 1, proto.count())
	assert.Equal(t, []string{"process", "process"}, first.callLog())
	assert.EqualValues(t, 1, m.created.Load())
	assert.EqualValues(t, 2, m.recycled.Load())
	assert.EqualValues(t, 2, m.dispatches.Load())
}

func TestDispatcher_LongKeepsBinding(t *testing.T) {
	d, _, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong}}
	})
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketLong, d.Process(context.Background(), sw, processor.StatusOpenRead))
	p := bound(t, d, sw)
	assert.EqualValues(t, 1, sw.interest.Load())
	assert.False(t, sw.IsAsync())
	assert.Zero(t, p.recycledCount())

	// The next event reaches the same processor without touching the pool.
	assert.Equal(t, processor.SocketOpen, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Equal(t, []string{"process", "process"}, p.callLog())
	assert.Zero(t, d.Registry().Len())
}

func TestDispatcher_LongAsyncParksProcessor(t *testing.T) {
	d, _, m := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong, startAsync: true}}
		p.dispatch = []step{{state: processor.SocketLong, endAsync: true}}
	})
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketLong, d.Process(context.Background(), sw, processor.StatusOpenRead))
	p := bound(t, d, sw)
	assert.True(t, sw.IsAsync())
	assert.Zero(t, sw.interest.Load(), "async sockets wait for a dispatch, not for input")
	assert.Equal(t, 1, d.Stats().Waiting)
	assert.EqualValues(t, 1, m.waiting.Load())

	// The application dispatches back; the processor leaves the waiting set.
	assert.Equal(t, processor.SocketLong, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Equal(t, []string{"process", "postProcess", "asyncDispatch"}, p.callLog())
	assert.False(t, sw.IsAsync())
	assert.Zero(t, d.Stats().Waiting)
	assert.EqualValues(t, 1, sw.interest.Load())
}

func TestDispatcher_AsyncEndLoops(t *testing.T) {
	d, proto, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong, startAsync: true}}
		p.post = []processor.SocketState{processor.SocketAsyncEnd}
		p.dispatch = []step{{state: processor.SocketOpen, endAsync: true}}
	})
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketOpen, d.Process(context.Background(), sw, processor.StatusOpenRead))
	p := proto.created[0]
	assert.Equal(t, []string{"process", "postProcess", "asyncDispatch", "process"}, p.callLog())
	assert.Zero(t, d.Registry().Len())
	assert.Equal(t, 1, p.recycledCount())
}

func TestDispatcher_SendfileAndClosed(t *testing.T) {
	tests := []struct {
		name     string
		state    processor.SocketState
		want     processor.SocketState
		interest int32
	}{
		{"Sendfile", processor.SocketSendfile, processor.SocketSendfile, 0},
		{"Closed", processor.SocketClosed, processor.SocketClosed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, proto, _ := newDispatcher(t, func(p *fakeProcessor) {
				p.process = []step{{state: tt.state}}
			})
			sw := newFakeSocket()

			assert.Equal(t, tt.want, d.Process(context.Background(), sw, processor.StatusOpenRead))
			assert.Zero(t, d.Registry().Len())
			assert.Equal(t, tt.interest, sw.interest.Load())
			assert.Equal(t, 1, proto.created[0].recycledCount())
		})
	}
}

func TestDispatcher_OpenWriteWithoutAsyncIsLong(t *testing.T) {
	d, _, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong}}
	})
	sw := newFakeSocket()
	d.Process(context.Background(), sw, processor.StatusOpenRead)
	p := bound(t, d, sw)

	assert.Equal(t, processor.SocketLong, d.Process(context.Background(), sw, processor.StatusOpenWrite))
	assert.Equal(t, []string{"process"}, p.callLog(), "a stray write event does not run the processor")
}

func TestDispatcher_DisconnectReleasesBoundProcessor(t *testing.T) {
	d, _, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong}}
	})
	sw := newFakeSocket()
	d.Process(context.Background(), sw, processor.StatusOpenRead)
	p := bound(t, d, sw)

	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusDisconnect))
	assert.Zero(t, d.Registry().Len())
	assert.Equal(t, 1, p.recycledCount())
	assert.Equal(t, []string{"process"}, p.callLog())
}

// ============================================================================
// Upgrades
// ============================================================================

func TestDispatcher_Upgrade(t *testing.T) {
	h := &fakeHandler{}
	d, proto, m := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketUpgrading}}
		p.token = &processor.UpgradeToken{Protocol: "echo", Handler: h}
	})
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketUpgraded, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Equal(t, 1, h.inits)
	assert.Equal(t, []processor.SocketStatus{processor.StatusOpenRead}, h.statuses)
	assert.EqualValues(t, 1, sw.interest.Load())
	assert.EqualValues(t, 1, m.upgrades.Load())

	// The original processor went back to the pool; the upgrade one is bound.
	assert.Equal(t, 1, proto.created[0].recycledCount())
	assert.Equal(t, 1, d.Stats().PoolSize)
	p, ok := d.Registry().Lookup(sw.ID())
	require.True(t, ok)
	assert.True(t, p.IsUpgrade())

	// Write events on an upgraded connection do not re-arm reads.
	assert.Equal(t, processor.SocketUpgraded, d.Process(context.Background(), sw, processor.StatusOpenWrite))
	assert.EqualValues(t, 1, sw.interest.Load())

	// Closing destroys the handler and never pools the upgrade processor.
	h.results = []processor.SocketState{processor.SocketClosed}
	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Equal(t, 1, h.destroys)
	assert.Equal(t, 1, d.Stats().PoolSize)
	assert.Zero(t, d.Registry().Len())
}

func TestDispatcher_UpgradeWithoutToken(t *testing.T) {
	d, _, m := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketUpgrading}}
	})
	sw := newFakeSocket()

	assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Zero(t, d.Registry().Len())
	assert.EqualValues(t, 1, m.unexpected.Load())
}

func TestDispatcher_NegotiatedProtocol(t *testing.T) {
	h := &fakeHandler{}
	d, proto, _ := newDispatcher(t, nil, WithUpgradeProtocol(&fakeUpgradeProtocol{name: "h2", handler: h}))
	sw := newFakeSocket()
	sw.negotiated = "h2"

	assert.Equal(t, processor.SocketUpgraded, d.Process(context.Background(), sw, processor.StatusOpenRead))
	assert.Zero(t, proto.count(), "negotiated sockets bypass the default protocol")
	assert.Len(t, h.statuses, 1)

	unknown := newFakeSocket()
	unknown.negotiated = "spdy"
	assert.Equal(t, processor.SocketOpen, d.Process(context.Background(), unknown, processor.StatusOpenRead))
	assert.Equal(t, 1, proto.count())
}

// ============================================================================
// Failures
// ============================================================================

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name       string
		step       step
		unexpected int32
	}{
		{"EOF", step{err: io.EOF}, 0},
		{"ProtocolError", step{err: processor.NewProtocolError("fake", "bad command", nil)}, 0},
		{"Unexpected", step{err: errors.New("database on fire")}, 1},
		{"Panic", step{panic: true}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, proto, m := newDispatcher(t, func(p *fakeProcessor) {
				p.process = []step{tt.step}
			})
			sw := newFakeSocket()

			assert.NotPanics(t, func() {
				assert.Equal(t, processor.SocketClosed, d.Process(context.Background(), sw, processor.StatusOpenRead))
			})
			assert.Zero(t, d.Registry().Len())
			assert.Zero(t, sw.interest.Load())
			assert.Equal(t, 1, proto.created[0].recycledCount())
			assert.EqualValues(t, 1, m.errors.Load())
			assert.Equal(t, tt.unexpected, m.unexpected.Load())
		})
	}
}

func TestIsExpected(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{syscall.EPIPE, true},
		{fmt.Errorf("wrapped: %w", processor.NewProtocolError("line", "too long", nil)), true},
		{errors.New("boom"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExpected(tt.err), "%v", tt.err)
	}
}

// ============================================================================
// Pool bound and concurrency
// ============================================================================

func TestDispatcher_PoolBoundDropsProcessors(t *testing.T) {
	d, proto, m := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong}}
	}, WithPoolSize(1))

	a, b := newFakeSocket(), newFakeSocket()
	d.Process(context.Background(), a, processor.StatusOpenRead)
	d.Process(context.Background(), b, processor.StatusOpenRead)
	require.Equal(t, 2, proto.count())

	d.Process(context.Background(), a, processor.StatusOpenRead)
	d.Process(context.Background(), b, processor.StatusOpenRead)

	assert.Equal(t, 1, d.Stats().PoolSize)
	assert.EqualValues(t, 1, m.dropped.Load())
}

func TestDispatcher_ConcurrentSocketsNeverShareProcessors(t *testing.T) {
	d, proto, _ := newDispatcher(t, nil, WithPoolSize(4))

	const sockets = 32
	const events = 50

	var wg sync.WaitGroup
	for i := 0; i < sockets; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw := newFakeSocket()
			for j := 0; j < events; j++ {
				d.Process(context.Background(), sw, processor.StatusOpenRead)
			}
		}()
	}
	wg.Wait()

	proto.mu.Lock()
	defer proto.mu.Unlock()
	for _, p := range proto.created {
		assert.False(t, p.clash.Load(), "processor %d used by two sockets at once", p.id)
	}
	assert.Zero(t, d.Registry().Len())
	assert.LessOrEqual(t, d.Stats().PoolSize, 4+sockets)
}

// ============================================================================
// Timeouts and shutdown
// ============================================================================

func TestDispatcher_TimeoutWaiting(t *testing.T) {
	d, proto, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong, startAsync: true}}
	})
	sw := newFakeSocket()
	d.Process(context.Background(), sw, processor.StatusOpenRead)

	d.TimeoutWaiting(1234)
	p := proto.created[0]
	p.mu.Lock()
	assert.Equal(t, []int64{1234}, p.timeouts)
	p.mu.Unlock()
}

func TestTimeoutScanner(t *testing.T) {
	d, proto, _ := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketLong, startAsync: true}}
	})
	d.Process(context.Background(), newFakeSocket(), processor.StatusOpenRead)
	p := proto.created[0]

	s := NewTimeoutScanner(d, 5*time.Millisecond)
	s.now = func() time.Time { return time.UnixMilli(42) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.timeouts) > 0
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, int64(42), p.timeouts[0])
	assert.Equal(t, int64(-1), p.timeouts[len(p.timeouts)-1], "shutdown forces the timeout")
}

func TestDispatcher_Close(t *testing.T) {
	h := &fakeHandler{}
	d, _, m := newDispatcher(t, func(p *fakeProcessor) {
		p.process = []step{{state: processor.SocketUpgrading}}
		p.token = &processor.UpgradeToken{Protocol: "echo", Handler: h}
	})
	d.Process(context.Background(), newFakeSocket(), processor.StatusOpenRead)
	require.Equal(t, 1, d.Stats().PoolSize)
	require.Equal(t, 1, d.Stats().Bound)

	d.Close()
	assert.Equal(t, 1, h.destroys)
	assert.Equal(t, Stats{PoolMaxSize: processor.DefaultPoolSize}, d.Stats())
	assert.EqualValues(t, 1, m.dropped.Load())
}
