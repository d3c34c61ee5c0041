// Package telemetry provides the observability stack: structured logging on
// zerolog, Prometheus execution metrics, OpenTelemetry tracing, and an
// in-process execution event bus. The engine consumes the logger and metrics
// directly; events are published from a post-commit hook wired by the caller.
package telemetry
