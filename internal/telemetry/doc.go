// Package telemetry wires the OpenTelemetry SDK for trace export.
// Metrics stay on Prometheus; only spans go through OTLP.
package telemetry
