// Package http provides the HTTP transport adapter for the gateway.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Error codes of the transport layer. Policy outcomes are never
// expressed through these: a DENY or ESCALATE is a 200 with a decision
// body.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeUnauthorised    = "UNAUTHORISED"
	codeNotFound        = "NOT_FOUND"
	codeInvalidState    = "INVALID_STATE"
	codeMalformed       = "MALFORMED_REQUEST"
	codePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	codeRateLimited     = "RATE_LIMITED"
	codeInternal        = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorDetails(w, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// decodeBody decodes a JSON request body that is already capped by
// MaxBytesReader, translating the cap and malformed input into API
// errors. It reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codePayloadTooLarge,
				"request body exceeds the size limit")
			return false
		}
		writeError(w, http.StatusBadRequest, codeMalformed, "malformed request body: "+err.Error())
		return false
	}
	return true
}
