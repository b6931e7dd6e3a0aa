package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct{ id int }

func (s *stubProcessor) Process(context.Context, SocketWrapper, SocketStatus) (SocketState, error) {
	return SocketOpen, nil
}
func (s *stubProcessor) AsyncDispatch(context.Context, SocketWrapper, SocketStatus) (SocketState, error) {
	return SocketOpen, nil
}
func (s *stubProcessor) AsyncPostProcess() (SocketState, error) { return SocketLong, nil }
func (s *stubProcessor) IsAsync() bool                          { return false }
func (s *stubProcessor) IsUpgrade() bool                        { return false }
func (s *stubProcessor) UpgradeToken() *UpgradeToken            { return nil }
func (s *stubProcessor) Recycle()                               {}

type unregisterCounter struct {
	mu   sync.Mutex
	seen map[Processor]int
}

func (u *unregisterCounter) hook(p Processor) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen == nil {
		u.seen = map[Processor]int{}
	}
	u.seen[p]++
}

func (u *unregisterCounter) total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.seen {
		n += c
	}
	return n
}

// ============================================================================
// Basic behavior
// ============================================================================

func TestPool_LIFO(t *testing.T) {
	pool := NewPool(10, nil)

	a, b, c := &stubProcessor{1}, &stubProcessor{2}, &stubProcessor{3}
	require.True(t, pool.Push(a))
	require.True(t, pool.Push(b))
	require.True(t, pool.Push(c))
	assert.EqualValues(t, 3, pool.Len())

	for _, want := range []Processor{c, b, a} {
		got, ok := pool.Pop()
		require.True(t, ok)
		assert.Same(t, want, got)
	}

	_, ok := pool.Pop()
	assert.False(t, ok)
	assert.EqualValues(t, 0, pool.Len())
}

func TestPool_RejectsBeyondCapacity(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(2, unreg.hook)

	procs := []*stubProcessor{{1}, {2}, {3}, {4}}
	assert.True(t, pool.Push(procs[0]))
	assert.True(t, pool.Push(procs[1]))
	assert.False(t, pool.Push(procs[2]))
	assert.False(t, pool.Push(procs[3]))

	assert.EqualValues(t, 2, pool.Len())
	assert.Equal(t, 2, unreg.total())
	assert.Equal(t, 1, unreg.seen[procs[2]])
	assert.Equal(t, 1, unreg.seen[procs[3]])
	assert.Zero(t, unreg.seen[procs[0]])
}

func TestPool_Unlimited(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(Unlimited, unreg.hook)

	for i := 0; i < 1000; i++ {
		require.True(t, pool.Push(&stubProcessor{i}))
	}
	assert.EqualValues(t, 1000, pool.Len())
	assert.Equal(t, Unlimited, pool.MaxSize())
	assert.Zero(t, unreg.total())
}

func TestPool_ZeroSizeRejectsEverything(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(0, unreg.hook)

	assert.False(t, pool.Push(&stubProcessor{}))
	assert.Equal(t, 1, unreg.total())
}

func TestPool_PushNil(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(1, unreg.hook)

	assert.False(t, pool.Push(nil))
	assert.Zero(t, unreg.total())
	assert.EqualValues(t, 0, pool.Len())
}

func TestPool_Clear(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(Unlimited, unreg.hook)
	for i := 0; i < 5; i++ {
		pool.Push(&stubProcessor{i})
	}

	pool.Clear()

	assert.EqualValues(t, 0, pool.Len())
	assert.Equal(t, 5, unreg.total())
	_, ok := pool.Pop()
	assert.False(t, ok)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestPool_ConcurrentPushPopNeverLosesOrDuplicates(t *testing.T) {
	const (
		workers = 8
		perG    = 500
	)
	var dropped atomic.Int64
	pool := NewPool(Unlimited, func(Processor) { dropped.Add(1) })

	var wg sync.WaitGroup
	var popped sync.Map
	var dupes atomic.Int64

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				pool.Push(&stubProcessor{w*perG + i})
				if p, ok := pool.Pop(); ok {
					if _, loaded := popped.LoadOrStore(p, struct{}{}); loaded {
						dupes.Add(1)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	for {
		p, ok := pool.Pop()
		if !ok {
			break
		}
		if _, loaded := popped.LoadOrStore(p, struct{}{}); loaded {
			dupes.Add(1)
		}
	}

	count := 0
	popped.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, dupes.Load())
	assert.Equal(t, workers*perG, count)
	assert.Zero(t, dropped.Load())
	assert.EqualValues(t, 0, pool.Len())
}

func TestPool_ConcurrentBoundStaysClose(t *testing.T) {
	const bound = 16
	var dropped atomic.Int64
	pool := NewPool(bound, func(Processor) { dropped.Add(1) })

	var wg sync.WaitGroup
	var accepted atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if pool.Push(&stubProcessor{}) {
					accepted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// Each racing pusher can overshoot the bound by at most one.
	assert.LessOrEqual(t, pool.Len(), int64(bound+8))
	assert.Equal(t, int64(800), accepted.Load()+dropped.Load())
}

func TestPool_ConcurrentClear(t *testing.T) {
	var unreg unregisterCounter
	pool := NewPool(Unlimited, unreg.hook)
	for i := 0; i < 200; i++ {
		pool.Push(&stubProcessor{i})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Clear()
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, unreg.total())
	for p, n := range unreg.seen {
		assert.Equal(t, 1, n, "processor %v unregistered more than once", p)
	}
}
