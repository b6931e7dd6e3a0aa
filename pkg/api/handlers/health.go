package handlers

import (
	"net/http"
)

// HealthHandler serves the unauthenticated health probes.
type HealthHandler struct {
	connector Connector
}

// NewHealthHandler creates a health handler. connector may be nil, in which
// case the readiness probe reports unhealthy.
func NewHealthHandler(connector Connector) *HealthHandler {
	return &HealthHandler{connector: connector}
}

// Liveness handles GET /health. It succeeds as long as the HTTP server is
// responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "coyote",
	}))
}

// Readiness handles GET /health/ready. The connector is ready when it is
// accepting connections.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.connector == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("connector not initialized"))
		return
	}

	status := h.connector.Status()
	if status.Paused {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("connector paused"))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"protocol":           status.Protocol,
		"port":               status.Port,
		"active_connections": status.ActiveConnections,
	}))
}
