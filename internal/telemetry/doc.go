// Package telemetry wires the OpenTelemetry SDK for traces and metrics.
// With telemetry disabled the global providers stay noop and no exporter
// connections are opened.
package telemetry
