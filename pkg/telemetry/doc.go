// Package telemetry provides observability instrumentation for the Spindle
// runtime: structured logging (zerolog), distributed tracing (OpenTelemetry)
// and metrics (Prometheus).
//
// Initialize telemetry at startup and thread it through contexts:
//
//	tel, err := telemetry.New(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	ctx := tel.WithContext(context.Background())
//
// Spans cover the per-event pipeline (trigger.handle_event, factors.prepare,
// guest.invoke) and metrics track event throughput, factor preparation,
// allow-list denials and guest memory.
package telemetry
