package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("outbox.delivered", map[string]interface{}{"row_id": "r1"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent("outbox.delivered", map[string]interface{}{"row_id": "r1"})
	exp.LogEvent("outbox.undeliverable", map[string]interface{}{"row_id": "r2"})
	exp.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Name != "outbox.undeliverable" || ev.Data["row_id"] != "r2" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHTTPExporter(t *testing.T) {
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("sync.refresh", nil)
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "sync.refresh" {
		t.Errorf("server got %+v", got)
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"noop", false},
		{"", false},
		{"file:" + filepath.Join(t.TempDir(), "e.jsonl"), false},
		{"http://localhost:1/events", false},
		{"kafka://x", true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			exp, err := NewExporter(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				if _, isHTTP := exp.(*HTTPExporter); !isHTTP {
					exp.Close()
				}
			}
		})
	}
}

func TestMemoryExporter(t *testing.T) {
	exp := NewMemoryExporter()
	exp.LogEvent("a", nil)
	exp.LogEvent("b", nil)
	if names := exp.Names(); len(names) != 2 || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
}

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFrom(tp, "test", debug), rec
}

func attr(kvs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestPullSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartPullSpan(context.Background(), "laptop", "project")
	tr.EndPullSpan(span, PullSpanOptions{Items: 3, Outcome: "ok"}, nil)

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "peersync.pull" {
		t.Fatalf("spans = %v", spans)
	}
	if v, _ := attr(spans[0].Attributes(), "sync.peer"); v.AsString() != "laptop" {
		t.Errorf("sync.peer = %v", v)
	}
	if v, _ := attr(spans[0].Attributes(), "sync.items"); v.AsInt64() != 3 {
		t.Errorf("sync.items = %v", v)
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("status = %v", spans[0].Status())
	}
}

func TestDeliverySpan_DebugGatesRecipient(t *testing.T) {
	for _, debug := range []bool{false, true} {
		tr, rec := newRecordingTracer(debug)
		_, span := tr.StartDeliverySpan(context.Background(), "telegram", "r1")
		tr.EndDeliverySpan(span, DeliverySpanOptions{Attempt: 2, Outcome: "transient", Recipient: "alice"}, errors.New("502"))

		s := rec.Ended()[0]
		_, has := attr(s.Attributes(), "outbox.recipient")
		if has != debug {
			t.Errorf("debug=%v: recipient present = %v", debug, has)
		}
		if s.Status().Code != codes.Error {
			t.Errorf("status = %v", s.Status())
		}
	}
}

func TestGetTracer_NoopDefault(t *testing.T) {
	SetGlobalTracer(nil)
	tr := OrGlobal(nil)
	_, span := tr.StartServeSpan(context.Background(), "desk", "todo")
	tr.EndServeSpan(span, 0, nil)
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("traceparent", "00-abc")
	if c.Get("traceparent") != "00-abc" || len(c.Keys()) != 1 {
		t.Errorf("carrier = %v", c)
	}
}

func TestResource_ComputerAttributes(t *testing.T) {
	res, err := Resource(ProviderConfig{Computer: "desk", Capabilities: []string{"gpu", "telegram"}})
	if err != nil {
		t.Fatal(err)
	}
	set := res.Set()
	if v, _ := set.Value("service.name"); v.AsString() != ServiceName {
		t.Errorf("service.name = %q", v.AsString())
	}
	if v, _ := set.Value(AttrComputer); v.AsString() != "desk" {
		t.Errorf("computer = %q", v.AsString())
	}
	v, ok := set.Value(AttrCapabilities)
	if !ok || strings.Join(v.AsStringSlice(), ",") != "gpu,telegram" {
		t.Errorf("capabilities = %v", v.AsStringSlice())
	}

	bare, err := Resource(ProviderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bare.Set().Value(AttrComputer); ok {
		t.Error("computer attribute set without a computer name")
	}
}

func TestCollectorAddr(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tests := []struct {
		endpoint     string
		wantHost     string
		wantInsecure bool
		wantErr      bool
	}{
		{"collector:4318", "collector:4318", false, false},
		{"http://collector:4318/", "collector:4318", true, false},
		{"https://otel.example.com", "otel.example.com", false, false},
		{"", "", false, true},
	}
	for _, tt := range tests {
		host, insecure, err := collectorAddr(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("collectorAddr(%q) error = %v", tt.endpoint, err)
			continue
		}
		if host != tt.wantHost || insecure != tt.wantInsecure {
			t.Errorf("collectorAddr(%q) = %q, %v", tt.endpoint, host, insecure)
		}
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://env:4318")
	if host, insecure, err := collectorAddr(""); err != nil || host != "env:4318" || !insecure {
		t.Errorf("env fallback = %q, %v, %v", host, insecure, err)
	}
}

func TestInitProvider_UnknownProtocol(t *testing.T) {
	_, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "collector:4318", Protocol: "zipkin"})
	if err == nil || !strings.Contains(err.Error(), "zipkin") {
		t.Errorf("err = %v", err)
	}
}
