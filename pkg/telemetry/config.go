package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config assembles the observability stack for one shipyard process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string
	// Environment names the installation, e.g. "ci" or "platform-prod".
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects log level, encoding and destination.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	// Output is "stderr", "stdout" or a file path appended to.
	Output string
	Caller bool
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`
	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint      string  `validate:"required_if=Exporter otlp"`
	SamplingRate  float64 `validate:"gte=0,lte=1"`
	ExportTimeout time.Duration
	// Insecure dials the collector without TLS.
	Insecure bool
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
	// Buckets are deployment duration histogram buckets, in seconds.
	Buckets []float64
}

// EventsConfig configures the deployment event bus and its Kafka sink.
type EventsConfig struct {
	Enabled bool
	// BufferSize bounds queued events in async mode. Zero means 1000.
	BufferSize int `validate:"gte=0"`
	// EnableAsync delivers from a background goroutine instead of inline.
	EnableAsync  bool
	KafkaBrokers []string `validate:"dive,required"`
	KafkaTopic   string   `validate:"required_with=KafkaBrokers"`
}

// DefaultConfig logs to stderr at info, keeps metrics on, traces nothing and
// publishes events asynchronously.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "shipyard",
		ServiceVersion: "dev",
		Environment:    "local",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "shipyard",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
			KafkaTopic:  "shipyard.deployments",
		},
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s fails %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, ", "))
}
