package tracing

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewTracerProviderDisabled(t *testing.T) {
	provider, err := NewTracerProvider(context.Background(), TracerConfig{
		ServiceName: "chronoq-test",
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider to be non-nil")
	}

	if tracer := provider.Tracer("test"); tracer == nil {
		t.Fatal("expected tracer to be non-nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestNewTracerProviderValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{
			name: "missing service name",
			config: TracerConfig{
				Enabled:  true,
				Endpoint: "localhost:4317",
			},
			expectedErr: "service name is required",
		},
		{
			name: "missing endpoint",
			config: TracerConfig{
				Enabled:     true,
				ServiceName: "chronoq-test",
			},
			expectedErr: "OTLP endpoint is required",
		},
		{
			name: "sample rate out of range",
			config: TracerConfig{
				Enabled:     true,
				ServiceName: "chronoq-test",
				Endpoint:    "localhost:4317",
				SampleRate:  1.5,
			},
			expectedErr: "sample rate must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(context.Background(), tt.config)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("error = %v, want substring %q", err, tt.expectedErr)
			}
		})
	}
}
