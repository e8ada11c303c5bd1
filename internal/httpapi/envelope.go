package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/flightrecorder/core/internal/apperr"
)

// errorPayload is the error arm of the response envelope.
type errorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	Retryable bool           `json:"retryable"`
}

// envelope wraps every JSON response with a request ID and a
// status/data/error discriminated union, mirroring the recorder's
// existing client contract.
type envelope struct {
	RequestID string        `json:"request_id"`
	Status    string        `json:"status"`
	Data      any           `json:"data,omitempty"`
	Error     *errorPayload `json:"error,omitempty"`
}

// requestID returns the inbound X-Request-Id header, or generates one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, envelope{
		RequestID: requestID(r),
		Status:    "success",
		Data:      data,
	})
}

// writeError renders err as the error arm of the envelope, translating
// *apperr.Error codes to HTTP status codes. Unrecognized errors are
// treated as internal errors and their details are not leaked.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Internal("unexpected error", err)
	}

	writeEnvelope(w, statusForCode(appErr.Code), envelope{
		RequestID: requestID(r),
		Status:    "error",
		Error: &errorPayload{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   orEmpty(appErr.Details),
			Retryable: appErr.Retryable,
		},
	})
}

func orEmpty(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	return details
}

func statusForCode(code string) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAuthRequired:
		return http.StatusUnauthorized
	case apperr.CodeAuthForbidden:
		return http.StatusForbidden
	case apperr.CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body", map[string]any{"error": err.Error()})
	}
	return nil
}
