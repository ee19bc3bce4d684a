package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider hands out tracers for trial and checkpoint spans. Embedders
// can plug in their own OpenTelemetry setup through this interface.
type TracerProvider interface {
	// GetTracer returns a Tracer with the given instrumentation name.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes buffered spans. The context should carry a deadline.
	// No-op providers return nil.
	Shutdown(ctx context.Context) error
}
