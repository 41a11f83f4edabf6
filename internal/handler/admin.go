package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// AdminHandler serves operator endpoints for inspecting and managing keys.
// Records are returned as stored; no expiry writeback happens here.
type AdminHandler struct {
	store      keystore.Store
	reconciler *service.Reconciler
	timeout    time.Duration
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(store keystore.Store, reconciler *service.Reconciler, timeout time.Duration) *AdminHandler {
	if timeout <= 0 {
		timeout = service.DefaultStoreTimeout
	}
	return &AdminHandler{store: store, reconciler: reconciler, timeout: timeout}
}

func (h *AdminHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

// ListKeys lists records filtered by email, customer_ref and status.
// GET /api/v1/admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ListFilter{
		Email:       strings.TrimSpace(q.Get("email")),
		CustomerRef: strings.TrimSpace(q.Get("customer_ref")),
		Status:      model.Status(strings.ToUpper(q.Get("status"))),
		Limit:       clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "Unknown status: "+q.Get("status"))
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	recs, err := h.store.List(ctx, filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if recs == nil {
		recs = []model.AccessKey{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: recs,
		Meta:     &model.ResponseMeta{Count: len(recs), Limit: filter.Limit},
	})
}

// GetKey returns one stored record.
// GET /api/v1/admin/keys/{accessKey}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	rec, err := h.store.GetByAccessKey(ctx, chi.URLParam(r, "accessKey"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type grantRequest struct {
	Email       string `json:"email"`
	CustomerRef string `json:"customer_ref"`
}

type grantResponse struct {
	Outcome string           `json:"outcome"`
	Record  *model.AccessKey `json:"record"`
}

// GrantKey issues a key for the given customer, or renews the one they
// already hold.
// POST /api/v1/admin/keys
func (h *AdminHandler) GrantKey(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.CustomerRef = strings.TrimSpace(req.CustomerRef)
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email is required")
		return
	}

	res, err := h.reconciler.Grant(r.Context(), req.Email, req.CustomerRef)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == service.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, grantResponse{Outcome: string(res.Outcome), Record: res.Record})
}

// CancelCustomer cancels the key held by a billing customer.
// POST /api/v1/admin/customers/{customerRef}/cancel
func (h *AdminHandler) CancelCustomer(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Deactivate(r.Context(), chi.URLParam(r, "customerRef"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if res.Outcome == service.OutcomeIgnored {
		writeError(w, http.StatusNotFound, service.CodeNotFound, "No key for customer "+chi.URLParam(r, "customerRef"))
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{Outcome: string(res.Outcome), Record: res.Record})
}

// writeStoreError maps a raw keystore failure.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, keystore.ErrNotFound) {
		writeError(w, http.StatusNotFound, service.CodeNotFound, "Access key not found")
		return
	}
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeError(w, http.StatusServiceUnavailable, service.CodeStoreUnavailable, service.ErrStoreUnavailable.Error())
}
