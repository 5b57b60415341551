// Package observability bundles the host's logging, metrics, tracing and
// health-check plumbing. Components receive a Logger and Metrics
// explicitly; nothing in this package is ambient global state except the
// OpenTelemetry provider registration, which follows the otel SDK's own
// convention.
package observability
