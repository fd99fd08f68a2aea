// Package telemetry provides observability for shipyard deployments.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and a deployment event publisher.
// Events can be fanned out to in-process subscribers such as the SQLite
// event journal, and to a Kafka topic keyed by application.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Every Metrics method is safe to call on a nil receiver, so callers that
// run without metrics can pass nil.
package telemetry
