package processor

import (
	"sync"
	"sync/atomic"
)

// Unlimited disables the pool bound.
const Unlimited = -1

// DefaultPoolSize is the number of idle processors cached when no size is configured.
const DefaultPoolSize = 200

// UnregisterFunc is called for every processor the pool discards, either
// because the pool was full or because it was cleared.
type UnregisterFunc func(Processor)

type poolNode struct {
	p    Processor
	next *poolNode
}

// Pool is a bounded LIFO free-list of idle processors.
//
// Push and Pop are lock-free. The size counter is maintained separately from
// the stack, so under concurrent pushes the pool may briefly hold a few more
// than maxSize processors; no processor is ever lost or handed out twice.
type Pool struct {
	head       atomic.Pointer[poolNode]
	size       atomic.Int64
	maxSize    int
	unregister UnregisterFunc

	clearMu sync.Mutex
}

// NewPool creates a pool holding at most maxSize idle processors, or an
// unbounded one when maxSize is Unlimited. unregister may be nil.
func NewPool(maxSize int, unregister UnregisterFunc) *Pool {
	if maxSize < Unlimited {
		maxSize = Unlimited
	}
	return &Pool{maxSize: maxSize, unregister: unregister}
}

// Push offers p to the pool. A rejected processor is passed to the
// unregister hook and dropped.
func (pl *Pool) Push(p Processor) bool {
	if p == nil {
		return false
	}
	if pl.maxSize != Unlimited && pl.size.Load() >= int64(pl.maxSize) {
		pl.drop(p)
		return false
	}

	n := &poolNode{p: p}
	for {
		old := pl.head.Load()
		n.next = old
		if pl.head.CompareAndSwap(old, n) {
			break
		}
	}
	pl.size.Add(1)
	return true
}

// Pop removes the most recently pushed processor.
func (pl *Pool) Pop() (Processor, bool) {
	for {
		old := pl.head.Load()
		if old == nil {
			return nil, false
		}
		if pl.head.CompareAndSwap(old, old.next) {
			pl.size.Add(-1)
			return old.p, true
		}
	}
}

// Clear unregisters every idle processor and resets the size counter.
func (pl *Pool) Clear() {
	pl.clearMu.Lock()
	defer pl.clearMu.Unlock()

	for {
		p, ok := pl.Pop()
		if !ok {
			break
		}
		pl.drop(p)
	}
	pl.size.Store(0)
}

// Len returns the tracked number of idle processors. It is approximate
// while pushes and pops are in flight.
func (pl *Pool) Len() int64 {
	return pl.size.Load()
}

// MaxSize returns the configured bound, or Unlimited.
func (pl *Pool) MaxSize() int {
	return pl.maxSize
}

func (pl *Pool) drop(p Processor) {
	if pl.unregister != nil {
		pl.unregister(p)
	}
}
