package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type testLogEntry struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	AccountID string `json:"account_id"`
	ErrorCode string `json:"error_code"`
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func parseEntry(t *testing.T, buf *bytes.Buffer) testLogEntry {
	t.Helper()
	var entry testLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	return entry
}

func TestLogging_BasicFields(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := RequestID(Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/controls", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseEntry(t, buf)
	if entry.Method != "GET" || entry.Path != "/controls" || entry.Status != 200 || entry.Size != 5 {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.RequestID != "req-1" || entry.Level != "INFO" || entry.Msg != "request completed" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.AccountID != "" || entry.ErrorCode != "" {
		t.Errorf("unexpected optional fields %+v", entry)
	}
}

func TestLogging_HandlerContextReachesLog(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetAccountID(r.Context(), "acct-9")
		ctx = SetErrorCode(ctx, "not_found")
		UpdateResponseContext(w, ctx)
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/exports/x", nil))

	entry := parseEntry(t, buf)
	if entry.AccountID != "acct-9" || entry.ErrorCode != "not_found" || entry.Level != "WARN" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusTooManyRequests, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		buf := &bytes.Buffer{}
		handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.WriteHeader(http.StatusTeapot)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/collect", nil))
		entry := parseEntry(t, buf)
		if entry.Status != tt.status || entry.Level != tt.level {
			t.Errorf("status %d: got %+v", tt.status, entry)
		}
	}
}

func TestUpdateResponseContext_ThroughWrappers(t *testing.T) {
	buf := &bytes.Buffer{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		UpdateResponseContext(w, SetErrorCode(r.Context(), "rate_limited"))
		w.WriteHeader(http.StatusTooManyRequests)
	})
	handler := Logging(newTestLogger(buf))(HTTPMetrics(NewMetrics())(inner))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/collect", nil))

	if entry := parseEntry(t, buf); entry.ErrorCode != "rate_limited" {
		t.Errorf("error code lost through metrics writer: %+v", entry)
	}
}

func TestRecoverer(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := Recoverer(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/controls", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"internal_error"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if !strings.Contains(buf.String(), "handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}
