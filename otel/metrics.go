package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/flowmesh"
)

// MetricsHandler translates flowmesh events into OpenTelemetry metrics:
// counters for handler invocations, faults, cancellations, and dropped
// messages, plus duration histograms per executor and per run.
type MetricsHandler struct {
	invocations   metric.Int64Counter
	faults        metric.Int64Counter
	cancellations metric.Int64Counter
	dropped       metric.Int64Counter
	handlerDur    metric.Float64Histogram
	runDur        metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter
// to create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	invocations, err := meter.Int64Counter("flowmesh.executor.invocations",
		metric.WithDescription("Number of committed handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	faults, err := meter.Int64Counter("flowmesh.executor.faults",
		metric.WithDescription("Number of handler faults"),
	)
	if err != nil {
		return nil, err
	}

	cancellations, err := meter.Int64Counter("flowmesh.executor.cancellations",
		metric.WithDescription("Number of canceled deliveries"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("flowmesh.message.dropped",
		metric.WithDescription("Number of messages routed to no target"),
	)
	if err != nil {
		return nil, err
	}

	handlerDur, err := meter.Float64Histogram("flowmesh.executor.duration",
		metric.WithDescription("Duration of handler invocations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("flowmesh.run.drain_duration",
		metric.WithDescription("Duration of a drain to idle in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		invocations:   invocations,
		faults:        faults,
		cancellations: cancellations,
		dropped:       dropped,
		handlerDur:    handlerDur,
		runDur:        runDur,
	}, nil
}

// Handle processes a workflow event and records the appropriate
// metrics. It satisfies flowmesh.EventHandler semantics.
func (h *MetricsHandler) Handle(e flowmesh.Event) {
	ctx := context.Background()
	switch e.Kind {
	case flowmesh.EventExecutorFinished:
		attrs := executorAttrs(e)
		h.invocations.Add(ctx, 1, attrs)
		h.handlerDur.Record(ctx, e.Elapsed.Seconds(), attrs)
	case flowmesh.EventExecutorFailed:
		h.faults.Add(ctx, 1, executorAttrs(e))
	case flowmesh.EventExecutorCanceled:
		h.cancellations.Add(ctx, 1, executorAttrs(e))
	case flowmesh.EventMessageDropped:
		h.dropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("message_type", string(e.Type)),
		))
	case flowmesh.EventRunIdle:
		h.runDur.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("run_id", e.RunID),
		))
	}
}

func executorAttrs(e flowmesh.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("executor_type", e.Executor.Type()),
		attribute.String("message_type", string(e.Type)),
	)
}
