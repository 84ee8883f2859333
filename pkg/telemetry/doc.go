// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the TwinSync reconciliation engine.
//
// The logger wraps zerolog and carries engine context (domain, run ID,
// commit) through child loggers. Metrics cover the snapshot, plan, and
// apply phases; the tracer emits one span per phase and per action.
package telemetry
