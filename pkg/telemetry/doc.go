// Package telemetry provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the stratus engine and CLI.
package telemetry
