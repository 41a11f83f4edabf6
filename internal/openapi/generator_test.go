package openapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/zepia/keygate/internal/service"
)

func TestGenerateLoginMode(t *testing.T) {
	doc := Generate(service.ModeLogin, "1.2.3", "http://localhost:8080")

	if doc.OpenAPI != "3.1.0" {
		t.Errorf("openapi = %q, want 3.1.0", doc.OpenAPI)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("info.version = %q, want 1.2.3", doc.Info.Version)
	}
	for _, path := range []string{"/v1/auth/login", "/v1/auth/logout", "/v1/users/{accessKey}", "/webhook", "/api/v1/admin/keys"} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("missing path %s", path)
		}
	}
	if doc.Paths.Find("/v1/sessions") != nil {
		t.Error("session routes should not be documented in login mode")
	}
}

func TestGenerateSessionMode(t *testing.T) {
	doc := Generate(service.ModeSession, "", "")

	for _, path := range []string{"/v1/sessions", "/v1/sessions/unbind", "/v1/sessions/validate", "/v1/users/{accessKey}"} {
		if doc.Paths.Find(path) == nil {
			t.Errorf("missing path %s", path)
		}
	}
	if doc.Paths.Find("/v1/auth/login") != nil {
		t.Error("login routes should not be documented in session mode")
	}
	if doc.Info.Version != "dev" {
		t.Errorf("info.version = %q, want dev", doc.Info.Version)
	}
	if len(doc.Servers) != 0 {
		t.Errorf("got %d servers, want none without a base URL", len(doc.Servers))
	}
}

func TestGenerateValidates(t *testing.T) {
	for _, mode := range []service.Mode{service.ModeLogin, service.ModeSession} {
		body, err := json.Marshal(Generate(mode, "1.0.0", "http://localhost:8080"))
		if err != nil {
			t.Fatalf("%s mode marshal: %v", mode, err)
		}
		doc, err := openapi3.NewLoader().LoadFromData(body)
		if err != nil {
			t.Fatalf("%s mode load: %v", mode, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			t.Errorf("%s mode document invalid: %v", mode, err)
		}
	}
}

func TestAdminRoutesRequireBearer(t *testing.T) {
	doc := Generate(service.ModeLogin, "1.0.0", "")
	op := doc.Paths.Find("/api/v1/admin/keys").Get
	if op.Security == nil || len(*op.Security) != 1 {
		t.Fatalf("list keys security = %v, want bearerAuth", op.Security)
	}
	if _, ok := (*op.Security)[0]["bearerAuth"]; !ok {
		t.Errorf("list keys security = %v, want bearerAuth", *op.Security)
	}
	if doc.Paths.Find("/v1/auth/login").Post.Security != nil {
		t.Error("admission routes should not require a bearer token")
	}
}

func TestGenerateMarshalsSchemas(t *testing.T) {
	body, err := json.Marshal(Generate(service.ModeSession, "1.0.0", ""))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var spec struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(body, &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, name := range []string{"AccessKey", "ErrorResponse", "SessionResponse", "ValidationResponse", "WebhookResponse"} {
		if _, ok := spec.Components.Schemas[name]; !ok {
			t.Errorf("missing schema %s", name)
		}
	}
}
