// Package connection multiplexes socket events onto processors: it owns the
// registry of bound processors, the processor pool, and the dispatcher that
// decides what happens to a connection after each processing pass.
package connection

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/marmos91/coyote/pkg/processor"
)

// Registry maps socket identities to the processor currently bound to them.
// Operations on distinct keys never contend on a shared lock.
type Registry struct {
	m *xsync.MapOf[string, processor.Processor]
}

func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMapOf[string, processor.Processor]()}
}

// Bind associates key with p, replacing any previous binding.
func (r *Registry) Bind(key string, p processor.Processor) {
	r.m.Store(key, p)
}

func (r *Registry) Lookup(key string) (processor.Processor, bool) {
	return r.m.Load(key)
}

// Unbind removes and returns the binding for key in one atomic step, so a
// processor is handed back to at most one caller.
func (r *Registry) Unbind(key string) (processor.Processor, bool) {
	return r.m.LoadAndDelete(key)
}

func (r *Registry) Len() int { return r.m.Size() }

// Range calls fn for each binding until fn returns false.
func (r *Registry) Range(fn func(key string, p processor.Processor) bool) {
	r.m.Range(fn)
}
