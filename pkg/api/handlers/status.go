package handlers

import (
	"net/http"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/connection"
	"github.com/marmos91/coyote/pkg/digest"
)

// ExecutorStatus describes the async executor.
type ExecutorStatus struct {
	Size    int `json:"size"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// ConnectorStatus is a point-in-time view of the running connector.
type ConnectorStatus struct {
	Protocol          string           `json:"protocol"`
	Port              int              `json:"port"`
	Paused            bool             `json:"paused"`
	ActiveConnections int              `json:"active_connections"`
	AsyncInProgress   int64            `json:"async_in_progress"`
	Dispatcher        connection.Stats `json:"dispatcher"`
	Executor          ExecutorStatus   `json:"executor"`
}

// Connector is the connector as seen by the API.
type Connector interface {
	Status() ConnectorStatus
	Pause()
	Resume()
}

// StatusHandler serves the connector status and the pause/resume controls.
type StatusHandler struct {
	connector Connector
}

func NewStatusHandler(connector Connector) *StatusHandler {
	return &StatusHandler{connector: connector}
}

// Status handles GET /status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.connector == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("connector not initialized"))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(h.connector.Status()))
}

// Pause handles POST /connector/pause.
func (h *StatusHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

// Resume handles POST /connector/resume.
func (h *StatusHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *StatusHandler) toggle(w http.ResponseWriter, r *http.Request, pause bool) {
	if h.connector == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("connector not initialized"))
		return
	}

	action := "resume"
	if pause {
		h.connector.Pause()
		action = "pause"
	} else {
		h.connector.Resume()
	}

	user := ""
	if p := digest.PrincipalFromContext(r.Context()); p != nil {
		user = p.Username
	}
	logger.Info("Connector state changed via API", logger.KeyOp, action, logger.KeyUser, user)

	writeJSON(w, http.StatusOK, okResponse(h.connector.Status()))
}
