package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/zepia/keygate/internal/billing"
	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

// WebhookHandler receives billing provider events and hands them to the
// reconciler.
type WebhookHandler struct {
	verifier   *billing.Verifier
	reconciler *service.Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. m may be nil.
func NewWebhookHandler(verifier *billing.Verifier, reconciler *service.Reconciler, m *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{verifier: verifier, reconciler: reconciler, metrics: m, logger: logger}
}

// Receive verifies and reconciles one event. Store failures answer 500 so
// the provider redelivers; everything else is acknowledged.
// POST /webhook
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Webhook payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "Unable to read webhook payload")
		return
	}

	ev, err := h.verifier.Construct(payload, r.Header.Get(billing.SignatureHeader))
	if errors.Is(err, billing.ErrMalformedPayload) {
		h.metrics.ObserveBillingEvent("malformed", "rejected")
		writeError(w, http.StatusBadRequest, "malformed_event", "Webhook Error: "+err.Error())
		return
	}
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err, "remote_addr", r.RemoteAddr)
		h.metrics.ObserveBillingEvent("unverified", "rejected")
		writeError(w, http.StatusBadRequest, "invalid_signature", "Webhook Error: "+err.Error())
		return
	}

	res, err := h.reconciler.Dispatch(r.Context(), ev)
	if err != nil {
		h.logger.Error("billing event failed", "event_id", ev.ID, "type", ev.RawType, "error", err)
		h.metrics.ObserveBillingEvent(string(ev.Type), "error")
		code := service.Code(err)
		writeError(w, http.StatusInternalServerError, code, "Failed to process event")
		return
	}

	h.metrics.ObserveBillingEvent(string(ev.Type), string(res.Outcome))
	writeJSON(w, http.StatusOK, model.WebhookResponse{Received: true, Outcome: string(res.Outcome)})
}
