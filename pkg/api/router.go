package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/coyote/pkg/api/handlers"
	"github.com/marmos91/coyote/pkg/api/middleware"
	"github.com/marmos91/coyote/pkg/digest"
	"github.com/marmos91/coyote/pkg/metrics"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe (503 while paused)
//   - GET /metrics - Prometheus metrics, when metrics are enabled
//   - GET /status - Connector status (Digest auth when configured)
//   - POST /connector/pause, /connector/resume - Accept loop control (Digest auth when configured)
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	// Digest nonces bind to the transport peer, not to X-Real-IP.
	r.Use(digest.PeerAddress)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	// A nil *Connector must reach the handlers as a nil interface.
	var connector handlers.Connector
	if opts.Connector != nil {
		connector = opts.Connector
	}

	healthHandler := handlers.NewHealthHandler(connector)
	statusHandler := handlers.NewStatusHandler(connector)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if reg := metrics.GetRegistry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.DigestAuth(opts.Authenticator))
		r.Get("/status", statusHandler.Status)
		r.Post("/connector/pause", statusHandler.Pause)
		r.Post("/connector/resume", statusHandler.Resume)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}
