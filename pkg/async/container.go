package async

import (
	"context"
	"sync/atomic"
)

type containerKey struct{}

type containerMark struct {
	active atomic.Bool
}

// WithContainer marks ctx as running on a container goroutine, that is a
// goroutine currently processing a socket event for the connection. The
// returned release func clears the mark; contexts derived from ctx observe
// the change, so work that outlives the processing pass is not mistaken for
// container work.
func WithContainer(ctx context.Context) (context.Context, func()) {
	m := &containerMark{}
	m.active.Store(true)
	return context.WithValue(ctx, containerKey{}, m), func() { m.active.Store(false) }
}

// OffContainer returns a context that reports false from OnContainer even
// when derived from a container context. Application goroutines started
// during processing use it before calling Complete, Dispatch or Error.
func OffContainer(ctx context.Context) context.Context {
	return context.WithValue(ctx, containerKey{}, (*containerMark)(nil))
}

// OnContainer reports whether ctx carries an active container mark.
func OnContainer(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	m, _ := ctx.Value(containerKey{}).(*containerMark)
	return m != nil && m.active.Load()
}
