// Package executor provides the bounded goroutine pool that runs work
// submitted by async requests.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/coyote/internal/logger"
)

// DefaultSize is the number of tasks allowed to run concurrently when no
// size is configured.
const DefaultSize = 200

var ErrClosed = errors.New("executor: pool is closed")

// Pool runs tasks on goroutines, at most size of them at once. Tasks beyond
// the limit wait for a slot; Submit itself never blocks.
type Pool struct {
	size int64
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Int64
	queued  atomic.Int64
	dropped atomic.Int64
}

// New creates a pool. size <= 0 selects DefaultSize.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules task. It returns ErrClosed after Shutdown has begun.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return fmt.Errorf("executor: nil task")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	p.wg.Add(1)
	p.queued.Add(1)
	go p.run(task)
	return nil
}

func (p *Pool) run(task func()) {
	defer p.wg.Done()

	err := p.sem.Acquire(p.ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		p.dropped.Add(1)
		logger.Debug("Executor dropped queued task", logger.KeyReason, err.Error())
		return
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	defer p.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Executor task panicked",
				logger.KeyError, fmt.Sprint(r),
				logger.KeyStack, string(debug.Stack()))
		}
	}()
	task()
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return int(p.size) }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Queued returns the number of tasks waiting for a slot.
func (p *Pool) Queued() int { return int(p.queued.Load()) }

// Dropped returns the number of queued tasks discarded by Shutdown.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Shutdown stops accepting tasks and waits for submitted ones to finish.
// When ctx expires first, tasks still waiting for a slot are discarded and
// Shutdown returns ctx.Err() once the running ones have returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
