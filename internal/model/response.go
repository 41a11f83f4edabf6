package model

// ListResponse is the standard envelope for list endpoints, wrapping results
// in a "resource" array with optional metadata.
type ListResponse struct {
	Resource []AccessKey   `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta carries the result count of a list response.
type ResponseMeta struct {
	Count int `json:"count"`
	Limit int `json:"limit,omitempty"`
}

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Code is stable and machine-readable; Message is for humans.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Status  int                    `json:"status"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// SessionResponse is returned by a successful bind.
type SessionResponse struct {
	Record    *AccessKey `json:"record"`
	SessionID string     `json:"session_id"`
}

// ValidationResponse is returned by a successful session validation.
type ValidationResponse struct {
	Record *AccessKey `json:"record"`
	Bound  bool       `json:"bound"`
}

// WebhookResponse acknowledges a billing event.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}
