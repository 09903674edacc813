package observability

import (
	"context"
	"testing"

	"homeservice/internal/config"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestEndpointHost_Parse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Fatalf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSampler_FallsBackOnInvalidRatio(t *testing.T) {
	fallback := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1)).Description()
	for _, ratio := range []float64{-0.1, 0, 1.5} {
		assert.Equal(t, fallback, sampler(ratio).Description())
	}
	assert.Equal(t, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.5)).Description(), sampler(0.5).Description())
}

func TestSetupTracing_EnabledInstallsProvider(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = true
	cfg.Monitoring.Tracing.Insecure = true
	cfg.Monitoring.Tracing.ServiceName = "test-service"

	// otlptracegrpc 连接是惰性的，无 collector 时也能构建
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
