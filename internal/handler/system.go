package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/zepia/keygate/internal/service"
)

// Pinger reports whether the key store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves process-level endpoints: app config and probes.
type SystemHandler struct {
	version string
	mode    service.Mode
	store   Pinger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(version string, mode service.Mode, store Pinger) *SystemHandler {
	return &SystemHandler{version: version, mode: mode, store: store}
}

type appResponse struct {
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

// App returns the client app configuration.
// GET /v1/app
func (h *SystemHandler) App(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, appResponse{Version: h.version, Mode: h.mode.String()})
}

// Healthz is a liveness probe. Returns 200 if the process is running.
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is a readiness probe. Returns 200 when the key store answers a
// ping, 503 otherwise.
func (h *SystemHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"checks": map[string]string{"store": "error: " + err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"checks": map[string]string{"store": "ok"},
	})
}
