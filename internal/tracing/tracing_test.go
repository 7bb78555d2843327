package tracing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/export"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// packdConfig mirrors what packd serve builds from its configuration.
func packdConfig() tracing.Config {
	return tracing.Config{
		ServiceName:    "dkpack",
		ServiceVersion: export.AppVersion,
		Environment:    "test",
		Enabled:        true,
		ExporterType:   tracing.ExporterOTLPHTTP,
		OTLPEndpoint:   "127.0.0.1:1",
		InsecureMode:   true,
	}
}

// keepGlobalProvider restores the global tracer provider after the test.
func keepGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestNewProvider_Disabled(t *testing.T) {
	keepGlobalProvider(t)
	before := otel.GetTracerProvider()

	cfg := packdConfig()
	cfg.Enabled = false
	cfg.ExporterType = "zipkin"
	p, err := tracing.NewProvider(cfg)
	if err != nil {
		t.Fatalf("disabled provider should skip validation, got %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled provider replaced the global tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	ctx, endSpan := tracing.StartSpan(context.Background(), "collect.run")
	tracing.AddEvent(ctx, "run_finished")
	endSpan(nil)
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(*tracing.Config)
		want error
	}{
		{"missing service name", func(c *tracing.Config) { c.ServiceName = "" }, tracing.ErrMissingServiceName},
		{"negative rate", func(c *tracing.Config) { c.SamplingRate = -0.1 }, tracing.ErrInvalidSamplingRate},
		{"rate above one", func(c *tracing.Config) { c.SamplingRate = 1.5 }, tracing.ErrInvalidSamplingRate},
		{"unknown exporter", func(c *tracing.Config) { c.ExporterType = "jaeger" }, tracing.ErrUnsupportedExporter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := packdConfig()
			tt.edit(&cfg)
			if _, err := tracing.NewProvider(cfg); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// Spans are left open so nothing is sent to the unreachable collector.
func TestNewProvider_Sampling(t *testing.T) {
	remoteParent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	tests := []struct {
		name     string
		exporter string
		rate     float64
		parent   bool
		sampled  bool
	}{
		{"always over http", tracing.ExporterOTLPHTTP, 1, false, true},
		{"never over grpc", tracing.ExporterOTLPGRPC, 0, false, false},
		{"default exporter follows sampled parent", "", 0, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keepGlobalProvider(t)
			cfg := packdConfig()
			cfg.ExporterType = tt.exporter
			cfg.SamplingRate = tt.rate
			p, err := tracing.NewProvider(cfg)
			if err != nil {
				t.Fatalf("NewProvider: %v", err)
			}

			ctx := context.Background()
			if tt.parent {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remoteParent)
			}
			_, span := otel.Tracer(tracing.TracerName).Start(ctx, "export.build")
			if got := span.SpanContext().IsSampled(); got != tt.sampled {
				t.Errorf("sampled = %v, want %v", got, tt.sampled)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.Shutdown(shutdownCtx); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		})
	}
}

func TestNewResource(t *testing.T) {
	cfg := packdConfig()
	cfg.Environment = "production"
	res, err := tracing.NewResource(cfg)
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:           "dkpack",
		semconv.ServiceVersionKey:        export.AppVersion,
		semconv.DeploymentEnvironmentKey: "production",
	} {
		v, ok := set.Value(key)
		if !ok || v.AsString() != want {
			t.Errorf("%s = %q, want %q", key, v.AsString(), want)
		}
	}
}

func TestProvider_ShutdownNil(t *testing.T) {
	var p *tracing.Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
