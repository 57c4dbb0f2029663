package otel

import (
	"github.com/petal-labs/flowmesh"
)

// EnrichHandler wraps an EventHandler with OpenTelemetry trace context.
// Before forwarding, it looks up the active span in the TracingHandler
// and adds trace_id and span_id to the event payload, so persisted
// events can be correlated with exported spans.
//
// Invocation-level events are matched to their invocation span first;
// run-level events fall back to the run span. When no span is active,
// the event passes through unchanged.
func EnrichHandler(next flowmesh.EventHandler, tracing *TracingHandler) flowmesh.EventHandler {
	return func(e flowmesh.Event) {
		sc := tracing.ActiveExecSpanContext(e.RunID, e.Executor, e.MessageID)
		if !sc.IsValid() {
			sc = tracing.ActiveRunSpanContext(e.RunID)
		}
		if sc.IsValid() {
			e = e.WithPayload("trace_id", sc.TraceID().String()).
				WithPayload("span_id", sc.SpanID().String())
		}
		next(e)
	}
}
