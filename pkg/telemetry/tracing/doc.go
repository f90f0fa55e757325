// Package tracing provides OpenTelemetry distributed tracing for the gatekeeper.
//
// # Overview
//
// Spans are exported over OTLP gRPC when telemetry.tracing.enabled is set.
// When tracing is disabled New returns a noop tracer, so instrumented code
// never branches on configuration.
//
// The admission controller records two spans per request:
//   - admission.admit: policy resolution, bucket check and escrow reserve
//   - admission.complete: escrow settlement and cost recording
//
// # Trace Context Propagation
//
// HTTPMiddleware extracts W3C Trace Context from inbound headers so the
// admission spans join the caller's trace:
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//
// # Sampling Strategies
//
//   - always: sample all traces
//   - never: sample no traces
//   - ratio: sample telemetry.tracing.sample_ratio of traces by trace ID
//
// # Usage
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "admission.admit")
//	defer span.End()
package tracing
