// Package otel provides OpenTelemetry integration for flowmesh workflow
// events: a tracing handler that turns runs and handler invocations into
// spans, a metrics handler for counters and durations, and an OTLP setup
// helper.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/flowmesh"
)

// TracingHandler translates flowmesh events into OpenTelemetry spans:
// one root span per run, one child span per handler invocation. Message
// sends, publishes, and drops become span events on the invocation (or
// run) span.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	execSpans map[string]trace.Span      // runID:executor:messageID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer
// to create spans from workflow events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		execSpans: make(map[string]trace.Span),
	}
}

// Handle processes a workflow event and creates or ends spans
// accordingly. It satisfies flowmesh.EventHandler semantics.
func (h *TracingHandler) Handle(e flowmesh.Event) {
	switch e.Kind {
	case flowmesh.EventRunStarted:
		h.handleRunStarted(e)
	case flowmesh.EventExecutorStarted:
		h.handleExecutorStarted(e)
	case flowmesh.EventExecutorFinished:
		h.handleExecutorEnded(e, codes.Ok, "")
	case flowmesh.EventExecutorFailed:
		h.handleExecutorFailed(e)
	case flowmesh.EventExecutorCanceled:
		h.handleExecutorEnded(e, codes.Unset, "canceled")
	case flowmesh.EventMessageSent, flowmesh.EventMessagePublished, flowmesh.EventMessageDropped:
		h.handleMessageEvent(e)
	case flowmesh.EventRunStopped:
		h.handleRunStopped(e)
	}
}

// handleRunStarted creates a root span for the run.
func (h *TracingHandler) handleRunStarted(e flowmesh.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(
			attribute.String("flowmesh.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

// handleExecutorStarted creates a child span under the run span.
func (h *TracingHandler) handleExecutorStarted(e flowmesh.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "executor:"+string(e.Executor),
		trace.WithAttributes(
			attribute.String("flowmesh.run_id", e.RunID),
			attribute.String("flowmesh.executor", string(e.Executor)),
			attribute.String("flowmesh.message_id", e.MessageID),
			attribute.String("flowmesh.message_type", string(e.Type)),
			attribute.Int("flowmesh.generation", e.Generation),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.execSpans[execKey(e)] = span
	h.mu.Unlock()
}

// handleExecutorEnded ends the invocation span with the given status.
func (h *TracingHandler) handleExecutorEnded(e flowmesh.Event, code codes.Code, desc string) {
	span, ok := h.takeExecSpan(e)
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowmesh.duration", e.Elapsed.String()))
	if desc == "canceled" {
		span.SetAttributes(attribute.Bool("flowmesh.canceled", true))
	}
	span.SetStatus(code, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleExecutorFailed ends the invocation span with error status.
func (h *TracingHandler) handleExecutorFailed(e flowmesh.Event) {
	span, ok := h.takeExecSpan(e)
	if !ok {
		return
	}

	errMsg := "handler fault"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleMessageEvent adds a span event to the active invocation span,
// falling back to the run span for messages injected from outside.
func (h *TracingHandler) handleMessageEvent(e flowmesh.Event) {
	h.mu.RLock()
	span, ok := h.execSpans[execKey(e)]
	if !ok {
		span, ok = h.runSpans[e.RunID]
	}
	h.mu.RUnlock()

	if !ok {
		return
	}

	span.AddEvent(string(e.Kind),
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(
			attribute.String("flowmesh.message_id", e.MessageID),
			attribute.String("flowmesh.message_type", string(e.Type)),
		),
	)
}

// handleRunStopped ends the root run span.
func (h *TracingHandler) handleRunStopped(e flowmesh.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveExecSpanContext returns the SpanContext for the active
// invocation span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveExecSpanContext(runID string, executor flowmesh.ExecutorID, messageID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.execSpans[runID+":"+string(executor)+":"+messageID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func (h *TracingHandler) takeExecSpan(e flowmesh.Event) (trace.Span, bool) {
	key := execKey(e)
	h.mu.Lock()
	span, ok := h.execSpans[key]
	if ok {
		delete(h.execSpans, key)
	}
	h.mu.Unlock()
	return span, ok
}

// execKey identifies one handler invocation across its events.
func execKey(e flowmesh.Event) string {
	return e.RunID + ":" + string(e.Executor) + ":" + e.MessageID
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
