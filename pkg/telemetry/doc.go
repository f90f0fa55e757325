// Package telemetry groups the gatekeeper's observability.
//
// # Components
//
//   - logging: structured slog logging with credential redaction and
//     request-scoped fields
//   - metrics: Prometheus collectors for admission outcomes, bucket
//     checks and wallet movements
//   - tracing: OpenTelemetry spans around gated requests, exported over
//     OTLP/gRPC, with W3C trace context propagated to the upstream
//   - health: liveness, readiness and version endpoints backed by storage
//     pings
//
// Each subpackage is configured from the matching section of
// config.TelemetryConfig and wired together by package server.
package telemetry
