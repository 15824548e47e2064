// OpenTelemetry tracing around peer pulls and channel sends.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with sync and delivery helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include recipients and content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// OrGlobal returns t, or the global tracer when t is nil.
func OrGlobal(t *Tracer) *Tracer {
	if t == nil {
		return GetTracer()
	}
	return t
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider. Tests pass an
// in-memory provider here.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Pull Spans ---

// PullSpanOptions contains the result of one peer pull.
type PullSpanOptions struct {
	Items   int
	Outcome string // ok, timeout, offline, rejected, error
}

// StartPullSpan starts a client span for pulling category from peer.
func (t *Tracer) StartPullSpan(ctx context.Context, peer, category string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "peersync.pull", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("sync.peer", peer),
		attribute.String("sync.category", category),
	)
	return ctx, span
}

// EndPullSpan ends a pull span.
func (t *Tracer) EndPullSpan(span trace.Span, opts PullSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("sync.items", opts.Items),
		attribute.String("sync.outcome", opts.Outcome),
	)
	end(span, err)
}

// StartServeSpan starts a server span for answering a peer's pull.
func (t *Tracer) StartServeSpan(ctx context.Context, requester, category string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "peersync.serve", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("sync.requester", requester),
		attribute.String("sync.category", category),
	)
	return ctx, span
}

// EndServeSpan ends a serve span.
func (t *Tracer) EndServeSpan(span trace.Span, items int, err error) {
	span.SetAttributes(attribute.Int("sync.items", items))
	end(span, err)
}

// --- Delivery Spans ---

// DeliverySpanOptions contains the result of one outbox send.
type DeliverySpanOptions struct {
	Attempt   int
	Outcome   string // delivered, unresolvable, transient, failed
	Recipient string // Only included if debug=true
	Content   string // Only included if debug=true
}

// StartDeliverySpan starts a client span for sending one outbox row.
func (t *Tracer) StartDeliverySpan(ctx context.Context, channel, rowID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "outbox.deliver", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("outbox.channel", channel),
		attribute.String("outbox.row_id", rowID),
	)
	return ctx, span
}

// EndDeliverySpan ends a delivery span.
func (t *Tracer) EndDeliverySpan(span trace.Span, opts DeliverySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("outbox.attempt", opts.Attempt),
		attribute.String("outbox.outcome", opts.Outcome),
	}
	if t.debug {
		if opts.Recipient != "" {
			attrs = append(attrs, attribute.String("outbox.recipient", opts.Recipient))
		}
		if opts.Content != "" {
			attrs = append(attrs, attribute.String("outbox.content", truncate(opts.Content, 1000)))
		}
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier carried inside pull requests.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
