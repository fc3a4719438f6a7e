package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay.runtime"

var (
	panicCounterMu sync.Mutex
	panicCounter   metric.Int64Counter
)

// InitPanicMetrics binds the panic counter to provider. A nil provider uses the
// global one. Later calls replace the counter.
func InitPanicMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	counter, err := provider.Meter(meterName).Int64Counter(
		"relay.runtime.panics_recovered",
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return err
	}

	panicCounterMu.Lock()
	panicCounter = counter
	panicCounterMu.Unlock()

	return nil
}

func recordPanicMetric(ctx context.Context, component, name string) {
	panicCounterMu.Lock()
	counter := panicCounter
	panicCounterMu.Unlock()

	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine", name),
	))
}
