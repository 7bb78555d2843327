// Package api is the HTTP surface of the pack service: account-scoped
// routes over service.Service plus health, readiness and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
)

// Error codes returned in the error envelope.
const (
	ErrCodeValidation      = "validation_error"
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeNotFound        = "not_found"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternal        = "internal_error"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNoEvidence      = "no_evidence"
	ErrCodeUnknownControl  = "unknown_control"
	ErrCodeUnknownProvider = "unknown_provider"
)

// ErrorResponse is the error envelope:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope and hands the code to the logging
// middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the HTTP status used for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeUnknownProvider:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound, ErrCodeUnknownControl:
		return http.StatusNotFound
	case ErrCodeNoEvidence:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeCode writes an error with the status mapped from its code.
func writeCode(w http.ResponseWriter, r *http.Request, code, message string) {
	WriteError(w, r.Context(), StatusCodeMapping(code), code, message)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to marshal response", "error", err)
		writeCode(w, r, ErrCodeInternal, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
}
