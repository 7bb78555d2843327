// Package middleware provides the HTTP middleware chain of the pack API:
// request ids, account context, structured request logs, metrics, tracing
// and rate limiting.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type accountIDKey struct{}

type errorCodeKey struct{}

// SetAccountID stores the authenticated account id in the context.
func SetAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey{}, accountID)
}

// GetAccountID returns the authenticated account id, or "".
func GetAccountID(ctx context.Context) string {
	if id, ok := ctx.Value(accountIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetErrorCode stores an API error code in the context so the request log
// can carry it.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code stored in the context, or "".
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// responseWriter captures status, size and the handler's final context.
type responseWriter struct {
	http.ResponseWriter
	ctx         context.Context
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader records only the first status, as net/http does.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func newResponseWriter(w http.ResponseWriter, ctx context.Context) *responseWriter {
	return &responseWriter{ResponseWriter: w, ctx: ctx, statusCode: http.StatusOK}
}

// UpdateResponseContext hands a handler's derived context back to the
// logging middleware. It is a no-op for writers Logging did not wrap.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for {
		switch rw := w.(type) {
		case *responseWriter:
			rw.ctx = ctx
			return
		case interface{ Unwrap() http.ResponseWriter }:
			w = rw.Unwrap()
		default:
			return
		}
	}
}

// NewLogger creates the process logger: JSON in production, text otherwise.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}

// Logging writes one structured line per request: method, path, status,
// latency, size, request id, account id and, for 4xx/5xx, the error code.
//
// A panicking handler produces no line; put a recoverer outside Logging.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w, r.Context())

			next.ServeHTTP(rw, r)

			ctx := rw.ctx
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if requestID := GetRequestID(ctx); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if accountID := GetAccountID(ctx); accountID != "" {
				attrs = append(attrs, slog.String("account_id", accountID))
			}
			if rw.statusCode >= 400 {
				if code := GetErrorCode(ctx); code != "" {
					attrs = append(attrs, slog.String("error_code", code))
				}
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// Recoverer turns a handler panic into a 500 and logs it.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.ErrorContext(r.Context(), "handler panicked", "panic", rec, "path", r.URL.Path)
					writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError writes the API error envelope without importing the api
// package.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
