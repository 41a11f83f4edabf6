package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

// retryAfterSeconds is advertised when the key store is unavailable.
const retryAfterSeconds = "5"

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Status:  status,
			Message: message,
		},
	})
}

// writeServiceError maps a service failure to its HTTP status and code.
func writeServiceError(w http.ResponseWriter, err error) {
	code := service.Code(err)
	status := StatusFor(code)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	msg := err.Error()
	if code == service.CodeStoreUnavailable {
		// Driver errors can carry hosts and credentials.
		msg = service.ErrStoreUnavailable.Error()
	}
	writeError(w, status, code, msg)
}

// StatusFor returns the HTTP status for a service failure code.
func StatusFor(code string) int {
	switch code {
	case service.CodeOK:
		return http.StatusOK
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeSubscriptionExpired,
		service.CodeKeyInvalid,
		service.CodeLoginLimitReached,
		service.CodeSessionQuotaExceeded:
		return http.StatusForbidden
	case service.CodeSessionIDRequired:
		return http.StatusBadRequest
	case service.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
