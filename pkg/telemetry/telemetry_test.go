package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid log level error")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing endpoint error")
	}

	cfg = DefaultConfig()
	cfg.Events.KafkaBrokers = []string{"localhost:9092"}
	cfg.Events.KafkaTopic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing topic error")
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})
	logger.NewComponentLogger("deploy").WithApp("retail/shop").WithRunID("r1").Info("phase complete")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]string{
		"component": "deploy",
		"app":       "retail/shop",
		"run_id":    "r1",
		"message":   "phase complete",
	} {
		if line[key] != want {
			t.Errorf("%s = %v, want %q", key, line[key], want)
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Fatal("expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected fallback logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordDeploymentStarted("retail")
	m.RecordDeploymentCompleted("retail", "HealthVerified", time.Second)
	m.RecordPhase("Planned", "success", time.Second)
	m.RecordError("ApplyError")
	m.RecordHealthProbe("backend", false)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	disabled.RecordError("ApplyError")
}

func TestMetricsCounters(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordDeploymentStarted("retail")
	if got := testutil.ToFloat64(m.activeDeployments); got != 1 {
		t.Fatalf("active deployments = %v, want 1", got)
	}
	m.RecordDeploymentCompleted("retail", "HealthVerified", 2*time.Second)
	if got := testutil.ToFloat64(m.activeDeployments); got != 0 {
		t.Fatalf("active deployments = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.deploymentsCompleted.WithLabelValues("retail", "HealthVerified")); got != 1 {
		t.Fatalf("completed = %v, want 1", got)
	}

	m.RecordHealthProbe("backend", false)
	m.RecordHealthProbe("backend", true)
	if got := testutil.ToFloat64(m.healthProbeAttempts.WithLabelValues("backend", "unhealthy")); got != 1 {
		t.Fatalf("unhealthy probes = %v, want 1", got)
	}

	m.SetEstimatedCost("retail/shop", "USD", 42.5)
	if got := testutil.ToFloat64(m.estimatedCost.WithLabelValues("retail/shop", "USD")); got != 42.5 {
		t.Fatalf("estimated cost = %v, want 42.5", got)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByApp("retail/shop"))

	if err := ep.Publish(Event{Type: EventTypeDeploymentStarted, AppKey: "retail/shop"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ep.Publish(Event{Type: EventTypeDeploymentStarted, AppKey: "retail/other"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatalf("expected ID and timestamp to be filled: %+v", got[0])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByType(EventTypePhaseCompleted))

	for i := 0; i < 5; i++ {
		if err := ep.Publish(Event{Type: EventTypePhaseCompleted}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("delivered %d events, want 5", count)
	}
	if err := ep.Publish(Event{Type: EventTypePhaseCompleted}); err == nil {
		t.Fatal("expected publish after shutdown to fail")
	}
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	if err := ep.Publish(Event{Type: EventTypeDeploymentStarted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, zerolog.Nop())

	sink.Handle(Event{ID: "e1", Type: EventTypeDeploymentSucceeded, AppKey: "retail/shop", Phase: "HealthVerified"})
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "retail/shop" {
		t.Errorf("key = %q", msg.Key)
	}
	if !strings.Contains(string(msg.Value), `"phase":"HealthVerified"`) {
		t.Errorf("value = %s", msg.Value)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != EventTypeDeploymentSucceeded {
		t.Errorf("headers = %+v", msg.Headers)
	}

	w.err = errors.New("broker down")
	sink.Handle(Event{ID: "e2", AppKey: "retail/shop"})

	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("Close: %v closed=%v", err, w.closed)
	}
}

func TestNoopTracer(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "shipyard", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tracer.StartDeploymentSpan(context.Background(), "retail/shop", "abc")
	_, phase := tracer.StartPhaseSpan(ctx, "Planned")
	RecordError(phase, errors.New("boom"))
	phase.End()
	RecordSuccess(span)
	span.End()
	if TraceID(ctx) != "" {
		t.Fatal("noop tracer should not produce a trace id")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTelemetryContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("expected telemetry from context")
	}
	if FromContext(ctx) != tel.Logger {
		t.Fatal("expected the telemetry logger on the context")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Fatal("expected nil telemetry on a bare context")
	}
}
