// Package otel provides OpenTelemetry instrumentation for AgentDock.
// Exporter wiring is left to the deployment; instruments registered here
// are served by whichever meter provider the process installs.
package otel

import (
	"context"
	"log/slog"
)

// ShutdownFunc is called to flush and shut down the telemetry provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer returns a no-op shutdown function. Installing a real
// TracerProvider (OTLP or otherwise) is an operator concern.
func InitTracer(serviceName string) ShutdownFunc {
	slog.Info("otel tracer using global provider", "service", serviceName)
	return func(_ context.Context) error {
		return nil
	}
}
