package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/middleware"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// TestEndToEndTracing runs an export-shaped handler behind the HTTP
// middleware and checks that every span lands in one trace.
func TestEndToEndTracing(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, endBuild := tracing.StartSpan(r.Context(), "export.build")
		tracing.SetAttributes(ctx, attribute.String("export.id", "exp-1"))

		_, endQuery := tracing.StartDBSpan(ctx, "sqlite", "control_evidence", tracing.DBOperationQuery)
		endQuery(nil)

		tracing.AddEvent(ctx, "pack_signed", attribute.String("signing.mode", "asymmetric"))
		endBuild(nil)

		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/export", nil)
	rr := httptest.NewRecorder()
	middleware.Tracing("dkpack-test")(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	spans := spanRecorder.Ended()
	if len(spans) != 3 {
		t.Errorf("expected 3 spans, got %d", len(spans))
		for i, span := range spans {
			t.Logf("  span %d: %s", i, span.Name())
		}
	}

	names := make(map[string]bool)
	for _, span := range spans {
		names[span.Name()] = true
	}
	for _, name := range []string{"POST /export", "export.build", "query control_evidence"} {
		if !names[name] {
			t.Errorf("missing span: %s", name)
		}
	}

	if len(spans) > 0 {
		traceID := spans[0].SpanContext().TraceID()
		for i, span := range spans {
			if span.SpanContext().TraceID() != traceID {
				t.Errorf("span %d has trace ID %s, expected %s", i, span.SpanContext().TraceID(), traceID)
			}
		}
	}

	for _, span := range spans {
		if span.Name() != "query control_evidence" {
			continue
		}
		attrs := make(map[attribute.Key]string)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value.AsString()
		}
		if attrs["db.system"] != "sqlite" {
			t.Errorf("db.system = %q", attrs["db.system"])
		}
		if attrs["db.operation"] != "query" {
			t.Errorf("db.operation = %q", attrs["db.operation"])
		}
		if attrs["db.sql.table"] != "control_evidence" {
			t.Errorf("db.sql.table = %q", attrs["db.sql.table"])
		}
	}
}

// TestTraceContextPropagation checks that handlers see the middleware span.
func TestTraceContextPropagation(t *testing.T) {
	spanRecorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	var captured string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = middleware.GetTraceID(r)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/controls", nil)
	middleware.Tracing("dkpack-test")(handler).ServeHTTP(httptest.NewRecorder(), req)

	if captured == "" {
		t.Fatal("expected non-empty trace ID")
	}
	spans := spanRecorder.Ended()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if got := spans[0].SpanContext().TraceID().String(); got != captured {
		t.Errorf("trace ID mismatch: handler saw %s, span has %s", captured, got)
	}
}
