package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the otel instrumentation scope for every span this module
// creates; a no-op TracerProvider (the default when nothing is configured)
// makes every call here free.
const tracerName = "github.com/opentdnf/tdnf-go"

// Tracer returns the module's tracer, bound to whatever global
// TracerProvider the host process configured (or a no-op one).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
