package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay.outbox.dispatcher"

type dispatcherMetrics struct {
	eventsDispatched  metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsStateFailed metric.Int64Counter
	dispatchLatency   metric.Float64Histogram
	queueDepth        metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var m dispatcherMetrics

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.eventsDispatched, "outbox.events.dispatched", "Outbox records published and confirmed by the broker"},
		{&m.eventsFailed, "outbox.events.failed", "Outbox records marked FAILED after a publish error"},
		{&m.eventsStateFailed, "outbox.events.state_update_failed", "Outbox records whose new status could not be stored"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{record}"))
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	var err error

	m.dispatchLatency, err = meter.Float64Histogram("outbox.dispatch.latency",
		metric.WithDescription("Duration of one dispatch cycle"), metric.WithUnit("s"))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	m.queueDepth, err = meter.Int64Gauge("outbox.queue.depth",
		metric.WithDescription("PENDING records fetched by the last cycle"), metric.WithUnit("{record}"))
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return m, nil
}
