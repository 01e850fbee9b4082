package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid http", Config{ServiceName: "capsuled", SamplingRate: 0.1, ExporterType: ExporterOTLPHTTP}, nil},
		{"valid grpc", Config{ServiceName: "capsuled", SamplingRate: 1, ExporterType: ExporterOTLPGRPC}, nil},
		{"default exporter", Config{ServiceName: "capsuled"}, nil},
		{"missing service name", Config{SamplingRate: 0.1}, ErrMissingServiceName},
		{"negative rate", Config{ServiceName: "capsuled", SamplingRate: -0.1}, ErrInvalidSamplingRate},
		{"rate above one", Config{ServiceName: "capsuled", SamplingRate: 1.5}, ErrInvalidSamplingRate},
		{"unknown exporter", Config{ServiceName: "capsuled", ExporterType: "zipkin"}, ErrUnsupportedExporter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	// Disabled providers skip validation entirely.
	provider, err := NewProvider(Config{Enabled: false, SamplingRate: 5}, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, ServiceName: "capsuled", ExporterType: "zipkin"}, nil)
	if !errors.Is(err, ErrUnsupportedExporter) {
		t.Errorf("NewProvider() error = %v, want ErrUnsupportedExporter", err)
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tests := []struct {
		name     string
		exporter string
		endpoint string
	}{
		{"otlp-http", ExporterOTLPHTTP, "localhost:4318"},
		{"otlp-grpc", ExporterOTLPGRPC, "localhost:4317"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "capsuled-test",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporter,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: 1.0,
				InsecureMode: true,
			}, nil)
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("IsEnabled() = false, want true")
			}

			_, span := otel.Tracer("test").Start(context.Background(), "sample")
			if !span.SpanContext().IsValid() {
				t.Error("global tracer produced an invalid span")
			}
			span.End()

			// Nothing listens on the endpoint; only bound the wait.
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = provider.Shutdown(ctx)
		})
	}
}

func TestRatioSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0.0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := ratioSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("ratioSampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}
