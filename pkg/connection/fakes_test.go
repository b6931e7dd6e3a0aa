package connection

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/coyote/pkg/async"
	"github.com/marmos91/coyote/pkg/processor"
)

// ============================================================================
// Socket
// ============================================================================

type fakeSocket struct {
	id         string
	negotiated string
	closed     atomic.Bool
	async      atomic.Bool
	interest   atomic.Int32

	mu     sync.Mutex
	events []processor.SocketStatus
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{id: uuid.NewString()}
}

func (s *fakeSocket) ID() string                  { return s.id }
func (s *fakeSocket) RemoteAddr() string          { return "192.0.2.1:4000" }
func (s *fakeSocket) Closed() bool                { return s.closed.Load() }
func (s *fakeSocket) NegotiatedProtocol() string  { return s.negotiated }
func (s *fakeSocket) Reader() *bufio.Reader       { return bufio.NewReader(strings.NewReader("")) }
func (s *fakeSocket) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeSocket) SetAsync(v bool)             { s.async.Store(v) }
func (s *fakeSocket) IsAsync() bool               { return s.async.Load() }
func (s *fakeSocket) RegisterReadInterest()       { s.interest.Add(1) }
func (s *fakeSocket) Close() error                { s.closed.Store(true); return nil }

func (s *fakeSocket) ProcessSocket(status processor.SocketStatus) {
	s.mu.Lock()
	s.events = append(s.events, status)
	s.mu.Unlock()
}

func (s *fakeSocket) queued() []processor.SocketStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]processor.SocketStatus(nil), s.events...)
}

// ============================================================================
// Processor
// ============================================================================

type step struct {
	state processor.SocketState
	err   error
	panic bool

	startAsync bool
	endAsync   bool
}

type fakeProcessor struct {
	id int

	mu        sync.Mutex
	process   []step
	dispatch  []step
	post      []processor.SocketState
	async     bool
	token     *processor.UpgradeToken
	calls     []string
	recycled  int
	timeouts  []int64
	container []bool

	inUse atomic.Bool
	clash atomic.Bool
}

// next consumes the first scripted step. Callers hold p.mu.
func (p *fakeProcessor) next(steps *[]step, fallback processor.SocketState) (processor.SocketState, error) {
	if len(*steps) == 0 {
		return fallback, nil
	}
	s := (*steps)[0]
	*steps = (*steps)[1:]
	if s.panic {
		panic("processor exploded")
	}
	if s.startAsync {
		p.async = true
	}
	if s.endAsync {
		p.async = false
	}
	return s.state, s.err
}

func (p *fakeProcessor) Process(ctx context.Context, _ processor.SocketWrapper, _ processor.SocketStatus) (processor.SocketState, error) {
	if !p.inUse.CompareAndSwap(false, true) {
		p.clash.Store(true)
	}
	defer p.inUse.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "process")
	p.container = append(p.container, async.OnContainer(ctx))
	return p.next(&p.process, processor.SocketOpen)
}

func (p *fakeProcessor) AsyncDispatch(context.Context, processor.SocketWrapper, processor.SocketStatus) (processor.SocketState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "asyncDispatch")
	return p.next(&p.dispatch, processor.SocketLong)
}

func (p *fakeProcessor) AsyncPostProcess() (processor.SocketState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "postProcess")
	if len(p.post) == 0 {
		return processor.SocketLong, nil
	}
	s := p.post[0]
	p.post = p.post[1:]
	return s, nil
}

func (p *fakeProcessor) IsAsync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.async
}

func (p *fakeProcessor) IsUpgrade() bool { return false }

func (p *fakeProcessor) UpgradeToken() *processor.UpgradeToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *fakeProcessor) Recycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycled++
	p.async = false
}

func (p *fakeProcessor) TimeoutAsync(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, now)
}

func (p *fakeProcessor) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProcessor) recycledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recycled
}

// ============================================================================
// Protocols and upgrade handler
// ============================================================================

type fakeProtocol struct {
	mu      sync.Mutex
	created []*fakeProcessor
	script  func(*fakeProcessor)
}

func (f *fakeProtocol) Name() string { return "fake" }

func (f *fakeProtocol) CreateProcessor() processor.Processor {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcessor{id: len(f.created) + 1}
	if f.script != nil {
		f.script(p)
	}
	f.created = append(f.created, p)
	return p
}

func (f *fakeProtocol) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeHandler struct {
	mu       sync.Mutex
	inits    int
	destroys int
	results  []processor.SocketState
	statuses []processor.SocketStatus
}

func (h *fakeHandler) Init(processor.SocketWrapper) {
	h.mu.Lock()
	h.inits++
	h.mu.Unlock()
}

func (h *fakeHandler) Dispatch(_ context.Context, _ processor.SocketWrapper, status processor.SocketStatus) (processor.SocketState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
	if len(h.results) == 0 {
		return processor.SocketUpgraded, nil
	}
	s := h.results[0]
	h.results = h.results[1:]
	return s, nil
}

func (h *fakeHandler) Destroy() {
	h.mu.Lock()
	h.destroys++
	h.mu.Unlock()
}

type fakeUpgradeProtocol struct {
	name    string
	handler *fakeHandler
}

func (f *fakeUpgradeProtocol) Name() string { return f.name }

func (f *fakeUpgradeProtocol) Processor(processor.SocketWrapper) processor.Processor {
	return processor.NewUpgradeProcessor(&processor.UpgradeToken{Protocol: f.name, Handler: f.handler})
}

// ============================================================================
// Metrics
// ============================================================================

type fakeMetrics struct {
	dispatches atomic.Int32
	errors     atomic.Int32
	unexpected atomic.Int32
	created    atomic.Int32
	recycled   atomic.Int32
	dropped    atomic.Int32
	upgrades   atomic.Int32
	poolSize   atomic.Int32
	waiting    atomic.Int32
}

func (m *fakeMetrics) RecordDispatch(string, string, time.Duration) { m.dispatches.Add(1) }
func (m *fakeMetrics) RecordDispatchError(expected bool) {
	m.errors.Add(1)
	if !expected {
		m.unexpected.Add(1)
	}
}
func (m *fakeMetrics) RecordProcessorCreated(string) { m.created.Add(1) }
func (m *fakeMetrics) RecordProcessorRecycled()      { m.recycled.Add(1) }
func (m *fakeMetrics) RecordProcessorDropped()       { m.dropped.Add(1) }
func (m *fakeMetrics) RecordUpgrade(string)          { m.upgrades.Add(1) }
func (m *fakeMetrics) SetPoolSize(n int)             { m.poolSize.Store(int32(n)) }
func (m *fakeMetrics) SetWaiting(n int)              { m.waiting.Store(int32(n)) }
