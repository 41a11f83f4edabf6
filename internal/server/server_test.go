package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zepia/keygate/internal/billing"
	"github.com/zepia/keygate/internal/keystore/memstore"
	"github.com/zepia/keygate/internal/metrics"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret     = "test-secret-for-jwt-integration-tests"
	testWebhookSecret = "whsec_test"
	testProduct       = "prod_keygate"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *memstore.Store
	authSvc  *service.AuthService
	verifier *billing.Verifier
}

// newTestEnv creates a fresh test environment with an in-memory key store
// and a fully wired Server running in mode.
func newTestEnv(t *testing.T, mode service.Mode) *testEnv {
	t.Helper()

	store := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(testJWTSecret)
	verifier := billing.NewVerifier(testWebhookSecret, 0)

	admission := service.NewAdmission(store, service.AdmissionConfig{
		Mode:        mode,
		MaxLogins:   2,
		MaxSessions: 2,
	}, logger)
	reconciler := service.NewReconciler(store, nil, service.ReconcilerConfig{
		ProductIDs: []string{testProduct},
	}, logger)

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.Version = "1.4.0"
	srv := New(cfg, Deps{
		Store:      store,
		Admission:  admission,
		Reconciler: reconciler,
		Auth:       authSvc,
		Verifier:   verifier,
		Metrics:    metrics.New(),
	}, logger)

	return &testEnv{server: srv, store: store, authSvc: authSvc, verifier: verifier}
}

// seed stores an active key whose window ends at subTo.
func (e *testEnv) seed(t *testing.T, key string, subTo time.Time, mutate ...func(*model.AccessKey)) {
	t.Helper()
	now := time.Now().UTC()
	rec := &model.AccessKey{
		AccessKey:  key,
		Email:      key + "@example.com",
		Status:     model.StatusActive,
		SubFrom:    now.Add(-24 * time.Hour),
		SubTo:      subTo,
		SessionIDs: []string{},
		CreatedAt:  now,
	}
	for _, m := range mutate {
		m(rec)
	}
	if err := e.store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

// adminToken issues an operator JWT for the test secret.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.authSvc.IssueJWT(context.Background(), "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	return token
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using the operator JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + e.adminToken(t),
	})
}

// post sends a JSON body.
func (e *testEnv) post(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", path, jsonBody(t, v), nil)
}

// webhook delivers a signed provider event.
func (e *testEnv) webhook(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	sig := e.verifier.Sign([]byte(payload), time.Now())
	return e.do(t, "POST", "/webhook", strings.NewReader(payload), map[string]string{
		billing.SignatureHeader: sig,
	})
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assertStatus(t, rr, status)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != code {
		t.Errorf("error code = %q, want %q", resp.Error.Code, code)
	}
	if resp.Error.Status != status {
		t.Errorf("error status = %d, want %d", resp.Error.Status, status)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func checkoutPayload(id, customer, email, product string) string {
	return fmt.Sprintf(`{"id":%q,"type":"checkout.session.completed","data":{"object":{`+
		`"customer":%q,"customer_details":{"email":%q},"metadata":{"product_id":%q}}}}`,
		id, customer, email, product)
}

// ---------------------------------------------------------------------------
// Health checks and docs
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	assertStatus(t, env.do(t, "GET", "/readyz", nil, nil), http.StatusOK)

	env.store.Fail = errors.New("connection refused")
	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 503")
	}
}

func TestAppConfig(t *testing.T) {
	env := newTestEnv(t, service.ModeSession)

	rr := env.do(t, "GET", "/v1/app", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["version"] != "1.4.0" || resp["mode"] != "session" {
		t.Errorf("got %v, want version 1.4.0 and mode session", resp)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	var spec map[string]any
	decodeJSON(t, rr, &spec)
	if spec["openapi"] != "3.1.0" {
		t.Errorf("openapi version = %v, want 3.1.0", spec["openapi"])
	}
	paths, _ := spec["paths"].(map[string]any)
	if _, ok := paths["/v1/auth/login"]; !ok {
		t.Error("login path missing from document")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.seed(t, "metered", time.Now().Add(24*time.Hour))
	env.post(t, "/v1/auth/login", map[string]string{"access_key": "metered"})

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `keygate_admission_total{code="ok",op="login"} 1`) {
		t.Errorf("admission counter missing from metrics output")
	}
}

// ---------------------------------------------------------------------------
// Login-count mode
// ---------------------------------------------------------------------------

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.seed(t, "k-login", time.Now().Add(24*time.Hour))

	var rec model.AccessKey
	rr := env.post(t, "/v1/auth/login", map[string]string{"access_key": "k-login"})
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &rec)
	if rec.LoginCount != 1 {
		t.Errorf("login_count = %d, want 1", rec.LoginCount)
	}

	assertStatus(t, env.post(t, "/v1/auth/login", map[string]string{"access_key": "k-login"}), http.StatusOK)
	rr = env.post(t, "/v1/auth/login", map[string]string{"access_key": "k-login"})
	assertErrorCode(t, rr, http.StatusForbidden, service.CodeLoginLimitReached)

	rr = env.post(t, "/v1/auth/logout", map[string]string{"access_key": "k-login"})
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &rec)
	if rec.LoginCount != 1 {
		t.Errorf("login_count after logout = %d, want 1", rec.LoginCount)
	}
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.seed(t, "k-expired", time.Now().Add(-time.Hour))
	env.seed(t, "k-cancelled", time.Now().Add(24*time.Hour), func(r *model.AccessKey) {
		r.Status = model.StatusCancelled
	})

	assertErrorCode(t, env.post(t, "/v1/auth/login", map[string]string{"access_key": "nope"}),
		http.StatusNotFound, service.CodeNotFound)
	assertErrorCode(t, env.post(t, "/v1/auth/login", map[string]string{}),
		http.StatusNotFound, service.CodeNotFound)
	assertErrorCode(t, env.post(t, "/v1/auth/login", map[string]string{"access_key": "k-expired"}),
		http.StatusForbidden, service.CodeSubscriptionExpired)
	assertErrorCode(t, env.post(t, "/v1/auth/login", map[string]string{"access_key": "k-cancelled"}),
		http.StatusForbidden, service.CodeKeyInvalid)

	rr := env.do(t, "POST", "/v1/auth/login", strings.NewReader("{not json"), nil)
	assertErrorCode(t, rr, http.StatusBadRequest, "bad_request")
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.seed(t, "k-user", time.Now().Add(24*time.Hour))

	rr := env.do(t, "GET", "/v1/users/k-user", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	var rec model.AccessKey
	decodeJSON(t, rr, &rec)
	if rec.AccessKey != "k-user" || rec.Status != model.StatusActive {
		t.Errorf("got %+v", rec)
	}

	assertErrorCode(t, env.do(t, "GET", "/v1/users/unknown", nil, nil), http.StatusNotFound, service.CodeNotFound)
}

func TestSessionRoutesAbsentInLoginMode(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	rr := env.post(t, "/v1/sessions", map[string]string{"access_key": "k"})
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", rr.Code)
	}
}

func TestStoreUnavailableReturns503(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.store.Fail = errors.New("dial tcp 10.0.0.5:5432: connection refused")

	rr := env.post(t, "/v1/auth/login", map[string]string{"access_key": "k"})
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if strings.Contains(rr.Body.String(), "10.0.0.5") {
		t.Errorf("driver error leaked to client: %s", rr.Body.String())
	}
	assertErrorCode(t, rr, http.StatusServiceUnavailable, service.CodeStoreUnavailable)
}

// ---------------------------------------------------------------------------
// Session-binding mode
// ---------------------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, service.ModeSession)
	env.seed(t, "k-sess", time.Now().Add(24*time.Hour))

	var bound model.SessionResponse
	rr := env.post(t, "/v1/sessions", map[string]string{"access_key": "k-sess"})
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &bound)
	if bound.SessionID == "" || len(bound.Record.SessionIDs) != 1 {
		t.Fatalf("got %+v, want one bound session", bound)
	}

	var v model.ValidationResponse
	rr = env.post(t, "/v1/sessions/validate", map[string]string{"access_key": "k-sess", "session_id": bound.SessionID})
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &v)
	if !v.Bound {
		t.Error("expected bound = true")
	}

	assertErrorCode(t, env.post(t, "/v1/sessions/validate", map[string]string{"access_key": "k-sess"}),
		http.StatusBadRequest, service.CodeSessionIDRequired)

	assertStatus(t, env.post(t, "/v1/sessions", map[string]string{"access_key": "k-sess"}), http.StatusOK)
	assertErrorCode(t, env.post(t, "/v1/sessions", map[string]string{"access_key": "k-sess"}),
		http.StatusForbidden, service.CodeSessionQuotaExceeded)

	var rec model.AccessKey
	rr = env.post(t, "/v1/sessions/unbind", map[string]string{"access_key": "k-sess", "session_id": bound.SessionID})
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &rec)
	if rec.HasSession(bound.SessionID) || len(rec.SessionIDs) != 1 {
		t.Errorf("got sessions %v after unbind", rec.SessionIDs)
	}
}

func TestLoginRoutesAbsentInSessionMode(t *testing.T) {
	env := newTestEnv(t, service.ModeSession)
	rr := env.post(t, "/v1/auth/login", map[string]string{"access_key": "k"})
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func TestWebhookCreatesThenRenews(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	var resp model.WebhookResponse
	rr := env.webhook(t, checkoutPayload("evt_1", "cus_1", "buyer@example.com", testProduct))
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if !resp.Received || resp.Outcome != "created" {
		t.Errorf("got %+v, want created", resp)
	}

	rr = env.webhook(t, checkoutPayload("evt_2", "cus_1", "buyer@example.com", testProduct))
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Outcome != "renewed" {
		t.Errorf("got outcome %q, want renewed", resp.Outcome)
	}

	if env.store.Len() != 1 {
		t.Errorf("store holds %d records, want 1", env.store.Len())
	}
}

func TestWebhookIgnoresOtherProducts(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	var resp model.WebhookResponse
	rr := env.webhook(t, checkoutPayload("evt_1", "cus_1", "buyer@example.com", "prod_other"))
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Outcome != "ignored" || env.store.Len() != 0 {
		t.Errorf("got %+v with %d records, want ignored and none", resp, env.store.Len())
	}

	rr = env.webhook(t, `{"id":"evt_3","type":"customer.created","data":{"object":{}}}`)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Outcome != "ignored" {
		t.Errorf("unrecognized event outcome = %q, want ignored", resp.Outcome)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	payload := checkoutPayload("evt_1", "cus_1", "buyer@example.com", testProduct)

	rr := env.do(t, "POST", "/webhook", strings.NewReader(payload), map[string]string{
		billing.SignatureHeader: "t=1,v1=deadbeef",
	})
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_signature")

	rr = env.do(t, "POST", "/webhook", strings.NewReader(payload), nil)
	assertErrorCode(t, rr, http.StatusBadRequest, "invalid_signature")

	if env.store.Len() != 0 {
		t.Error("rejected event must not create a key")
	}
}

func TestWebhookStoreFailureAsksForRetry(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.store.Fail = errors.New("database is locked")

	rr := env.webhook(t, checkoutPayload("evt_1", "cus_1", "buyer@example.com", testProduct))
	assertStatus(t, rr, http.StatusInternalServerError)
}

func TestWebhookCancellation(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	env.webhook(t, checkoutPayload("evt_1", "cus_9", "buyer@example.com", testProduct))

	var resp model.WebhookResponse
	rr := env.webhook(t, `{"id":"evt_2","type":"customer.subscription.deleted","data":{"object":{"customer":"cus_9"}}}`)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Outcome != "cancelled" {
		t.Errorf("got outcome %q, want cancelled", resp.Outcome)
	}
	rec, err := env.store.GetByCustomerRef(context.Background(), "cus_9")
	if err != nil {
		t.Fatalf("GetByCustomerRef: %v", err)
	}
	if rec.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", rec.Status)
	}
}

// ---------------------------------------------------------------------------
// Operator API
// ---------------------------------------------------------------------------

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)
	assertErrorCode(t, env.do(t, "GET", "/api/v1/admin/keys", nil, nil), http.StatusUnauthorized, "unauthorized")
}

func TestAdminGrantListShowCancel(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	var granted struct {
		Outcome string          `json:"outcome"`
		Record  model.AccessKey `json:"record"`
	}
	rr := env.doAuth(t, "POST", "/api/v1/admin/keys", jsonBody(t, map[string]string{
		"email": "manual@example.com", "customer_ref": "cus_manual",
	}))
	assertStatus(t, rr, http.StatusCreated)
	decodeJSON(t, rr, &granted)
	if granted.Outcome != "created" || granted.Record.AccessKey == "" {
		t.Fatalf("got %+v, want a created key", granted)
	}

	rr = env.doAuth(t, "POST", "/api/v1/admin/keys", jsonBody(t, map[string]string{
		"email": "manual@example.com", "customer_ref": "cus_manual",
	}))
	assertStatus(t, rr, http.StatusOK)

	var list model.ListResponse
	rr = env.doAuth(t, "GET", "/api/v1/admin/keys?email=manual@example.com", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if len(list.Resource) != 1 || list.Meta == nil || list.Meta.Count != 1 {
		t.Errorf("got %+v, want exactly one record", list)
	}

	rr = env.doAuth(t, "GET", "/api/v1/admin/keys/"+granted.Record.AccessKey, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "POST", "/api/v1/admin/customers/cus_manual/cancel", nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/api/v1/admin/keys?status=cancelled", nil)
	decodeJSON(t, rr, &list)
	if len(list.Resource) != 1 {
		t.Errorf("got %d cancelled keys, want 1", len(list.Resource))
	}
}

func TestAdminErrors(t *testing.T) {
	env := newTestEnv(t, service.ModeLogin)

	assertErrorCode(t, env.doAuth(t, "GET", "/api/v1/admin/keys/missing", nil), http.StatusNotFound, service.CodeNotFound)
	assertErrorCode(t, env.doAuth(t, "GET", "/api/v1/admin/keys?status=bogus", nil), http.StatusBadRequest, "bad_request")
	assertErrorCode(t, env.doAuth(t, "POST", "/api/v1/admin/keys", jsonBody(t, map[string]string{})), http.StatusBadRequest, "bad_request")
	assertErrorCode(t, env.doAuth(t, "POST", "/api/v1/admin/customers/cus_nobody/cancel", nil), http.StatusNotFound, service.CodeNotFound)
}
