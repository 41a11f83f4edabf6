package openapi

import "github.com/getkin/kin-openapi/openapi3"

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func prop(typ, format, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{typ},
		Format:      format,
		Description: description,
	}}
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

// componentSchemas returns the shared schemas referenced by the paths.
func componentSchemas() openapi3.Schemas {
	status := prop("string", "", "Lifecycle state of the key.")
	status.Value.Enum = []any{"ACTIVE", "INACTIVE", "EXPIRED", "CANCELLED"}

	errorCode := prop("string", "", "Stable machine-readable failure code.")
	errorCode.Value.Enum = []any{
		"not_found", "subscription_expired", "key_invalid", "login_limit_reached",
		"session_quota_exceeded", "session_id_required", "store_unavailable",
		"internal_error", "bad_request", "unauthorized", "forbidden",
		"invalid_signature", "malformed_event", "payload_too_large", "rate_limited",
	}

	outcome := prop("string", "", "Reconciliation outcome.")
	outcome.Value.Enum = []any{"created", "renewed", "cancelled", "ignored"}

	return openapi3.Schemas{
		"AccessKey": object(
			[]string{"access_key", "email", "status", "sub_from", "sub_to", "login_count", "session_ids"},
			openapi3.Schemas{
				"access_key":   prop("string", "", "The access key itself."),
				"email":        prop("string", "", "Purchaser email."),
				"customer_ref": prop("string", "", "Billing provider customer id."),
				"status":       status,
				"sub_from":     prop("string", "date-time", "Start of the paid window."),
				"sub_to":       prop("string", "date-time", "End of the paid window (exclusive)."),
				"login_count":  prop("integer", "int32", "Outstanding logins."),
				"session_ids": {Value: &openapi3.Schema{
					Type:        &openapi3.Types{"array"},
					Items:       prop("string", "", ""),
					Description: "Bound session ids in bind order.",
				}},
				"created_at": prop("string", "date-time", ""),
				"updated_at": prop("string", "date-time", ""),
			}),
		"ErrorResponse": object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "status", "message"}, openapi3.Schemas{
				"code":    errorCode,
				"status":  prop("integer", "int32", "HTTP status code."),
				"message": prop("string", "", "Human readable message."),
			}),
		}),
		"KeyRequest": object([]string{"access_key"}, openapi3.Schemas{
			"access_key": prop("string", "", ""),
		}),
		"SessionRequest": object([]string{"access_key"}, openapi3.Schemas{
			"access_key": prop("string", "", ""),
			"session_id": prop("string", "", ""),
		}),
		"SessionResponse": object([]string{"record", "session_id"}, openapi3.Schemas{
			"record":     ref("AccessKey"),
			"session_id": prop("string", "", "Newly bound session id."),
		}),
		"ValidationResponse": object([]string{"record", "bound"}, openapi3.Schemas{
			"record": ref("AccessKey"),
			"bound":  prop("boolean", "", "Whether the session id is bound to the key."),
		}),
		"AccessKeyList": object([]string{"resource"}, openapi3.Schemas{
			"resource": {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: ref("AccessKey")}},
			"meta": object(nil, openapi3.Schemas{
				"count": prop("integer", "int32", "Number of records returned."),
				"limit": prop("integer", "int32", "Applied limit."),
			}),
		}),
		"GrantRequest": object([]string{"email"}, openapi3.Schemas{
			"email":        prop("string", "", ""),
			"customer_ref": prop("string", "", ""),
		}),
		"GrantResponse": object([]string{"outcome", "record"}, openapi3.Schemas{
			"outcome": outcome,
			"record":  ref("AccessKey"),
		}),
		"WebhookResponse": object([]string{"received", "outcome"}, openapi3.Schemas{
			"received": prop("boolean", "", ""),
			"outcome":  outcome,
		}),
		"AppConfig": object([]string{"version", "mode"}, openapi3.Schemas{
			"version": prop("string", "", ""),
			"mode":    prop("string", "", "Admission mode: login or session."),
		}),
	}
}
