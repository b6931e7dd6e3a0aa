// Package metrics defines the observability interfaces used across coyote.
//
// Every interface is optional: components accept a nil implementation and
// skip recording entirely. Prometheus-backed implementations live in
// pkg/metrics/prometheus and return nil until InitRegistry has been called,
// so disabling metrics costs nothing on the hot path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide registry with the Go runtime and
// process collectors attached. Calling it again replaces the registry.
func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mu.Lock()
	registry = reg
	mu.Unlock()
	return reg
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Reset disables metrics. Used by tests and on shutdown.
func Reset() {
	mu.Lock()
	registry = nil
	mu.Unlock()
}
