package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{name: "generated when absent", incoming: "", reuse: false},
		{name: "reuses well-formed id", incoming: "existing-request-id-123", reuse: true},
		{name: "replaces id with spaces", incoming: "bad id", reuse: false},
		{name: "replaces overlong id", incoming: strings.Repeat("a", 129), reuse: false},
		{name: "replaces id with newline", incoming: "a\nb", reuse: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/controls", nil)
			if tt.incoming != "" {
				req.Header[RequestIDHeader] = []string{tt.incoming}
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if captured == "" || rr.Header().Get(RequestIDHeader) != captured {
				t.Fatalf("context id %q, header %q", captured, rr.Header().Get(RequestIDHeader))
			}
			if (captured == tt.incoming) != tt.reuse {
				t.Errorf("incoming %q, got %q", tt.incoming, captured)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
	if id := GetRequestID(WithRequestID(context.Background(), "cli-1")); id != "cli-1" {
		t.Errorf("expected cli-1, got %q", id)
	}
}
