package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

// AdmissionHandler serves the client-facing login and session endpoints.
type AdmissionHandler struct {
	admission *service.Admission
	metrics   *metrics.Metrics
}

// NewAdmissionHandler creates a new AdmissionHandler. m may be nil.
func NewAdmissionHandler(admission *service.Admission, m *metrics.Metrics) *AdmissionHandler {
	return &AdmissionHandler{admission: admission, metrics: m}
}

// keyRequest is the body of every admission call.
type keyRequest struct {
	AccessKey string `json:"access_key"`
	SessionID string `json:"session_id,omitempty"`
}

// decode reads the request body. A missing key is passed through and comes
// back from the service as not found, the same as an unknown key.
func (h *AdmissionHandler) decode(w http.ResponseWriter, r *http.Request, op string) (keyRequest, bool) {
	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		h.metrics.ObserveAdmission(op, "bad_request", 0)
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return req, false
	}
	req.AccessKey = strings.TrimSpace(req.AccessKey)
	return req, true
}

func (h *AdmissionHandler) observe(op string, start time.Time, err error) {
	h.metrics.ObserveAdmission(op, service.Code(err), time.Since(start).Seconds())
}

// ---------------------------------------------------------------------------
// Login-count mode
// ---------------------------------------------------------------------------

// Login admits one login.
// POST /v1/auth/login
func (h *AdmissionHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r, "login")
	if !ok {
		return
	}
	rec, err := h.admission.Login(r.Context(), req.AccessKey)
	h.observe("login", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Logout releases one login.
// POST /v1/auth/logout
func (h *AdmissionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r, "logout")
	if !ok {
		return
	}
	rec, err := h.admission.Logout(r.Context(), req.AccessKey)
	h.observe("logout", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetUser returns the record for the key in the path.
// GET /v1/users/{accessKey}
func (h *AdmissionHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec, err := h.admission.Fetch(r.Context(), chi.URLParam(r, "accessKey"))
	h.observe("fetch", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ---------------------------------------------------------------------------
// Session-binding mode
// ---------------------------------------------------------------------------

// Bind issues a session id.
// POST /v1/sessions
func (h *AdmissionHandler) Bind(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r, "bind")
	if !ok {
		return
	}
	rec, sessionID, err := h.admission.Bind(r.Context(), req.AccessKey)
	h.observe("bind", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SessionResponse{Record: rec, SessionID: sessionID})
}

// Unbind releases a session id.
// POST /v1/sessions/unbind
func (h *AdmissionHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r, "unbind")
	if !ok {
		return
	}
	rec, err := h.admission.Unbind(r.Context(), req.AccessKey, strings.TrimSpace(req.SessionID))
	h.observe("unbind", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Validate checks a session id against its key.
// POST /v1/sessions/validate
func (h *AdmissionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r, "validate")
	if !ok {
		return
	}
	rec, bound, err := h.admission.ValidateSession(r.Context(), req.AccessKey, strings.TrimSpace(req.SessionID))
	h.observe("validate", start, err)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ValidationResponse{Record: rec, Bound: bound})
}
