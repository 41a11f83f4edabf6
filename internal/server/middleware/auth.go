package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zepia/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated operator.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Authenticate returns an HTTP middleware that requires an operator JWT in
// the Authorization header. On success the principal is attached to the
// request context; otherwise a 401 JSON error response is returned. When
// auth is disabled (no secret) every request is refused with 403.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authSvc.Enabled() {
				writeError(w, http.StatusForbidden, "forbidden", "Operator API disabled: auth.jwt_secret is not set")
				return
			}
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required. Provide a Bearer token.")
				return
			}
			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated operator from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *service.OperatorPrincipal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.OperatorPrincipal); ok {
		return p
	}
	return nil
}

type authError struct {
	Error struct {
		Code    string `json:"code"`
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError renders the same error envelope as the handler package.
func writeError(w http.ResponseWriter, status int, code, message string) {
	var body authError
	body.Error.Code = code
	body.Error.Status = status
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
