package opentelemetry

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectQueueTraceContext returns the W3C headers for the span in ctx.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders copies base and adds trace headers. base is not modified.
func PrepareQueueHeaders(ctx context.Context, base map[string]any) map[string]any {
	headers := make(map[string]any, len(base)+2)
	maps.Copy(headers, base)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders continues the trace carried in AMQP
// headers. Non-string values are ignored.
func ExtractTraceContextFromQueueHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	if len(carrier) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
