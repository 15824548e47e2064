// Package telemetry traces peer pulls and outbox sends with OpenTelemetry
// and records outbox state transitions to an event exporter.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName is the service.name every syncd span carries.
const ServiceName = "syncd"

// Resource attribute keys describing the computer a daemon runs on.
const (
	AttrComputer     = attribute.Key("teleclaude.computer")
	AttrCapabilities = attribute.Key("teleclaude.capabilities")
)

// ProviderConfig mirrors the [telemetry] section plus the [computer]
// identity the spans are tagged with.
type ProviderConfig struct {
	Computer     string
	Capabilities []string
	Version      string

	// Endpoint is the collector address. A scheme is accepted: "http://"
	// implies Insecure. Empty falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	// Protocol is "grpc" or "http" (default).
	Protocol string
	Insecure bool
	// Debug adds recipients and message bodies to delivery spans.
	Debug bool
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider installs a batching OTLP tracer provider as the global one
// and returns it together with the daemon's Tracer.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	host, insecure, err := collectorAddr(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure = insecure || cfg.Insecure

	res, err := Resource(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg.Protocol, host, insecure)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tracer := NewTracer(ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// Resource describes this daemon: service name and version plus the
// computer name and capabilities from the configuration.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	if cfg.Computer != "" {
		attrs = append(attrs,
			AttrComputer.String(cfg.Computer),
			semconv.HostName(cfg.Computer),
		)
	}
	if len(cfg.Capabilities) > 0 {
		attrs = append(attrs, AttrCapabilities.StringSlice(cfg.Capabilities))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// collectorAddr strips a scheme from endpoint. A plain http scheme reports
// insecure.
func collectorAddr(endpoint string) (host string, insecure bool, err error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		host, insecure = strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		host = strings.TrimPrefix(endpoint, "https://")
	default:
		host = endpoint
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return "", false, fmt.Errorf("telemetry.endpoint not set and OTEL_EXPORTER_OTLP_ENDPOINT empty")
	}
	return host, insecure, nil
}

func newSpanExporter(ctx context.Context, protocol, host string, insecure bool) (sdktrace.SpanExporter, error) {
	switch protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(host)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "", "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown telemetry.protocol %q", protocol)
	}
}

// Tracer returns the daemon's tracer.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
