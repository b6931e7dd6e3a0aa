package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/marmos91/coyote/pkg/connection"
)

type fakeConnector struct {
	mu      sync.Mutex
	status  ConnectorStatus
	pauses  int
	resumes int
}

func (f *fakeConnector) Status() ConnectorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConnector) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	f.status.Paused = true
}

func (f *fakeConnector) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	f.status.Paused = false
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{status: ConnectorStatus{
		Protocol:          "line",
		Port:              7070,
		ActiveConnections: 3,
		AsyncInProgress:   1,
		Dispatcher:        connection.Stats{Bound: 2, Waiting: 1, PoolSize: 4, PoolMaxSize: 200},
		Executor:          ExecutorStatus{Size: 200, Running: 1},
	}}
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestLiveness_ReturnsOK(t *testing.T) {
	handler := NewHealthHandler(nil)
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.Liveness(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	resp := decodeResponse(t, w)
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", resp.Status)
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected Data to be a map, got %T", resp.Data)
	}
	if data["service"] != "coyote" {
		t.Errorf("Expected service 'coyote', got '%s'", data["service"])
	}
}

func TestReadiness_NoConnector_Returns503(t *testing.T) {
	handler := NewHealthHandler(nil)
	req := httptest.NewRequest("GET", "/health/ready", nil)
	w := httptest.NewRecorder()

	handler.Readiness(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	resp := decodeResponse(t, w)
	if resp.Status != "unhealthy" {
		t.Errorf("Expected status 'unhealthy', got '%s'", resp.Status)
	}
	if resp.Error != "connector not initialized" {
		t.Errorf("Expected error 'connector not initialized', got '%s'", resp.Error)
	}
}

func TestReadiness_Paused_Returns503(t *testing.T) {
	c := newFakeConnector()
	c.Pause()
	handler := NewHealthHandler(c)
	req := httptest.NewRequest("GET", "/health/ready", nil)
	w := httptest.NewRecorder()

	handler.Readiness(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if resp := decodeResponse(t, w); resp.Error != "connector paused" {
		t.Errorf("Expected error 'connector paused', got '%s'", resp.Error)
	}
}

func TestReadiness_Accepting_ReturnsOK(t *testing.T) {
	handler := NewHealthHandler(newFakeConnector())
	req := httptest.NewRequest("GET", "/health/ready", nil)
	w := httptest.NewRecorder()

	handler.Readiness(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	resp := decodeResponse(t, w)
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected Data to be a map, got %T", resp.Data)
	}
	if data["protocol"] != "line" {
		t.Errorf("Expected protocol 'line', got '%v'", data["protocol"])
	}
	// JSON numbers decode as float64
	if data["active_connections"] != float64(3) {
		t.Errorf("Expected 3 active connections, got %v", data["active_connections"])
	}
}
