// Package openapi builds the OpenAPI 3.1 document for keygate's HTTP API.
// The document only lists the admission routes of the configured mode.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/zepia/keygate/internal/service"
)

// Generate builds the document for the request layer running in mode.
func Generate(mode service.Mode, version, baseURL string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keygate API",
			Description: fmt.Sprintf("Access key admission (%s mode), billing webhook and operator API.", mode),
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "Operator token issued by `keygate admin token`.",
			},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addSystemPaths(doc)
	switch mode {
	case service.ModeSession:
		addSessionPaths(doc)
	default:
		addLoginPaths(doc)
	}
	addFetchPath(doc)
	addWebhookPath(doc)
	addAdminPaths(doc)
	return doc
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func addSystemPaths(doc *openapi3.T) {
	doc.Paths.Set("/v1/app", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Client app configuration",
		OperationID: "getAppConfig",
		Responses:   newResponses("200", "App configuration", ref("AppConfig")),
	}})
	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Liveness probe",
		OperationID: "healthz",
		Responses:   newResponses("200", "Process is running", object(nil, openapi3.Schemas{"status": prop("string", "", "")})),
	}})
	doc.Paths.Set("/readyz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Readiness probe (key store ping)",
		OperationID: "readyz",
		Responses:   newResponses("200", "Key store reachable", object(nil, nil), "503"),
	}})
}

func addLoginPaths(doc *openapi3.T) {
	doc.Paths.Set("/v1/auth/login", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Admit one login for an access key",
		OperationID: "login",
		RequestBody: jsonBody("Access key", ref("KeyRequest")),
		Responses:   newResponses("200", "Updated record", ref("AccessKey"), "400", "403", "404", "503"),
	}})
	doc.Paths.Set("/v1/auth/logout", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Release one login",
		OperationID: "logout",
		RequestBody: jsonBody("Access key", ref("KeyRequest")),
		Responses:   newResponses("200", "Updated record", ref("AccessKey"), "400", "404", "503"),
	}})
}

func addSessionPaths(doc *openapi3.T) {
	doc.Paths.Set("/v1/sessions", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Bind a new session id to an access key",
		OperationID: "bindSession",
		RequestBody: jsonBody("Access key", ref("KeyRequest")),
		Responses:   newResponses("200", "Record and new session id", ref("SessionResponse"), "400", "403", "404", "503"),
	}})
	doc.Paths.Set("/v1/sessions/unbind", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Release a session id",
		OperationID: "unbindSession",
		RequestBody: jsonBody("Access key and optional session id", ref("SessionRequest")),
		Responses:   newResponses("200", "Updated record", ref("AccessKey"), "400", "403", "404", "503"),
	}})
	doc.Paths.Set("/v1/sessions/validate", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Check that a session id may continue",
		OperationID: "validateSession",
		RequestBody: jsonBody("Access key and session id", ref("SessionRequest")),
		Responses:   newResponses("200", "Record and bound flag", ref("ValidationResponse"), "400", "403", "404", "503"),
	}})
}

func addFetchPath(doc *openapi3.T) {
	doc.Paths.Set("/v1/users/{accessKey}", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"admission"},
		Summary:     "Fetch the record for an access key",
		OperationID: "getUser",
		Parameters:  openapi3.Parameters{pathParam("accessKey", "The access key.")},
		Responses:   newResponses("200", "Record", ref("AccessKey"), "403", "404", "503"),
	}})
}

func addWebhookPath(doc *openapi3.T) {
	op := &openapi3.Operation{
		Tags:        []string{"billing"},
		Summary:     "Receive a billing provider event",
		Description: "Body is verified against the Stripe-Signature header when a webhook secret is configured.",
		OperationID: "receiveWebhook",
		Parameters: openapi3.Parameters{{
			Value: openapi3.NewHeaderParameter("Stripe-Signature").
				WithDescription("t=<unix>,v1=<hex hmac-sha256>").
				WithSchema(openapi3.NewStringSchema()),
		}},
		RequestBody: jsonBody("Provider event", object(nil, nil)),
		Responses:   newResponses("200", "Event acknowledged", ref("WebhookResponse"), "400", "500"),
	}
	doc.Paths.Set("/webhook", &openapi3.PathItem{Post: op})
}

func addAdminPaths(doc *openapi3.T) {
	security := &openapi3.SecurityRequirements{{"bearerAuth": {}}}

	doc.Paths.Set("/api/v1/admin/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "List access keys",
			OperationID: "listKeys",
			Security:    security,
			Parameters: openapi3.Parameters{
				queryParam("email", "Exact purchaser email.", openapi3.NewStringSchema()),
				queryParam("customer_ref", "Billing customer id.", openapi3.NewStringSchema()),
				queryParam("status", "ACTIVE, INACTIVE, EXPIRED or CANCELLED.", openapi3.NewStringSchema()),
				queryParam("limit", "Maximum number of records (1-1000).", &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}),
			},
			Responses: newResponses("200", "Matching records", ref("AccessKeyList"), "400", "401", "503"),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Issue or renew a key by hand",
			OperationID: "grantKey",
			Security:    security,
			RequestBody: jsonBody("Customer", ref("GrantRequest")),
			Responses:   newResponses("201", "Key created", ref("GrantResponse"), "200", "400", "401", "503"),
		},
	})
	doc.Paths.Set("/api/v1/admin/keys/{accessKey}", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     "Show a stored record",
		OperationID: "getKey",
		Security:    security,
		Parameters:  openapi3.Parameters{pathParam("accessKey", "The access key.")},
		Responses:   newResponses("200", "Stored record", ref("AccessKey"), "401", "404", "503"),
	}})
	doc.Paths.Set("/api/v1/admin/customers/{customerRef}/cancel", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     "Cancel the key held by a billing customer",
		OperationID: "cancelCustomer",
		Security:    security,
		Parameters:  openapi3.Parameters{pathParam("customerRef", "Billing customer id.")},
		Responses:   newResponses("200", "Cancelled record", ref("GrantResponse"), "401", "404", "503"),
	}})
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

var statusText = map[string]string{
	"200": "OK",
	"400": "Bad request",
	"401": "Unauthorized",
	"403": "Admission denied",
	"404": "Not found",
	"500": "Internal server error",
	"503": "Key store unavailable",
}

// newResponses builds a success response plus error responses for each of
// the listed status codes. A listed "200" next to a "201" success reuses
// the success schema.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errs ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
	for _, code := range errs {
		desc := statusText[code]
		content := openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse"))
		if code == "200" {
			desc = "Existing key renewed"
			content = openapi3.NewContentWithJSONSchemaRef(schema)
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &desc, Content: content},
		})
	}
	return responses
}

func jsonBody(description string, schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
		Description: description,
		Required:    true,
		Content:     openapi3.NewContentWithJSONSchemaRef(schema),
	}}
}

func pathParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewStringSchema()),
	}
}

func queryParam(name, description string, schema *openapi3.Schema) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).
			WithDescription(description).
			WithSchema(schema),
	}
}
