package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewProviders_NoEndpointIsNoop(t *testing.T) {
	for _, endpoint := range []string{"", "   "} {
		p, err := NewProviders(context.Background(), Options{Endpoint: endpoint, ServiceName: "atlas-test"})
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
			t.Fatalf("NewProviders(%q) left a provider nil", endpoint)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}
}

func TestNewProviders_RejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"http://[invalid", "http://"} {
		if _, err := NewProviders(context.Background(), Options{Endpoint: endpoint, ServiceName: "atlas-test"}); err == nil {
			t.Errorf("NewProviders(%q) want error", endpoint)
		}
	}
}

func TestNewProviders_Endpoints(t *testing.T) {
	// Exporters dial lazily so an unreachable collector still yields providers.
	tests := []struct {
		name     string
		endpoint string
		insecure bool
	}{
		{"host only", "localhost:4317", false},
		{"http", "http://localhost:4317", false},
		{"https", "https://collector.example.com:4317", false},
		{"https insecure override", "https://collector.example.com:4317", true},
		{"path ignored", "http://localhost:4317/v1/traces", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProviders(context.Background(), Options{Endpoint: tt.endpoint, Insecure: tt.insecure, ServiceName: "atlas-test", Environment: "test"})
			if err != nil {
				t.Fatalf("NewProviders: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		force    bool
		target   string
		insecure bool
	}{
		{"localhost:4317", false, "localhost:4317", true},
		{"https://collector.example.com:4317/v1/traces", false, "collector.example.com:4317", false},
		{"https://collector.example.com:4317", true, "collector.example.com:4317", true},
	}
	for _, tt := range tests {
		col, err := parseEndpoint(tt.endpoint, tt.force)
		if err != nil {
			t.Fatalf("parseEndpoint(%q): %v", tt.endpoint, err)
		}
		if col.target != tt.target || col.insecure != tt.insecure {
			t.Errorf("parseEndpoint(%q) = %+v, want %s insecure=%v", tt.endpoint, col, tt.target, tt.insecure)
		}
	}
}

func TestSetGlobal(t *testing.T) {
	p, err := NewProviders(context.Background(), Options{ServiceName: "atlas-test"})
	if err != nil {
		t.Fatal(err)
	}
	prevT, prevM := otel.GetTracerProvider(), otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(prevT)
		otel.SetMeterProvider(prevM)
	}()
	p.SetGlobal()
	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("global tracer provider not set")
	}
	if otel.GetMeterProvider() != p.MeterProvider {
		t.Error("global meter provider not set")
	}
	(&Providers{}).SetGlobal()
}
