// Package telemetry sets up OpenTelemetry tracing and OTLP metric export
// for the recallguard daemon.
//
// Export is off by default. Enable it in the "telemetry" config section:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc            # or http/protobuf
//	  sampling:
//	    rate: 0.1
//
// Prometheus metrics on /metrics do not depend on this package; they come
// from the client_golang default registry.
//
// Usage:
//
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tracer := tel.Tracer("recallguard/http")
//	meter := tel.Meter("recallguard/http")
//
// Exporter setup failures leave the instance degraded rather than failing
// startup; Health reports the state.
package telemetry
