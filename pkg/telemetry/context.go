package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry is the observability stack of one process.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher

	kafka *KafkaSink
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds each component. Configured Kafka
// brokers get a sink subscribed to every event.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Telemetry{Config: cfg}

	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		t.kafka = NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, t.Logger.Zerolog())
		t.Events.Subscribe(t.kafka.Handle, nil)
	}
	return t, nil
}

// WithContext stores t and its logger on ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains events before closing the Kafka writer, then flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	errs := []error{t.Events.Shutdown(ctx)}
	if t.kafka != nil {
		errs = append(errs, t.kafka.Close())
	}
	errs = append(errs, t.Tracer.Shutdown(ctx))
	return errors.Join(errs...)
}
