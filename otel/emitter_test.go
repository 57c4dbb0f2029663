package otel_test

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/flowmesh"
	fmotel "github.com/petal-labs/flowmesh/otel"
)

func TestEnrichHandler_AddsTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	tracing := fmotel.NewTracingHandler(tp.Tracer("test"))

	var got []flowmesh.Event
	enriched := fmotel.EnrichHandler(func(e flowmesh.Event) {
		got = append(got, e)
	}, tracing)

	now := time.Now()

	started := flowmesh.Event{Kind: flowmesh.EventRunStarted, RunID: "run-1", Time: now}
	tracing.Handle(started)
	enriched(started)

	execStarted := flowmesh.Event{
		Kind:      flowmesh.EventExecutorStarted,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "m1",
		Time:      now.Add(time.Millisecond),
	}
	tracing.Handle(execStarted)
	enriched(execStarted)

	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(got))
	}

	runSC := tracing.ActiveRunSpanContext("run-1")
	if got[0].Payload["trace_id"] != runSC.TraceID().String() {
		t.Errorf("run event trace_id = %v, want run span's", got[0].Payload["trace_id"])
	}
	if got[0].Payload["span_id"] != runSC.SpanID().String() {
		t.Errorf("run event span_id = %v, want run span's", got[0].Payload["span_id"])
	}

	execSC := tracing.ActiveExecSpanContext("run-1", "worker", "m1")
	if got[1].Payload["span_id"] != execSC.SpanID().String() {
		t.Errorf("invocation event span_id = %v, want invocation span's", got[1].Payload["span_id"])
	}
	if got[1].Payload["trace_id"] != runSC.TraceID().String() {
		t.Errorf("invocation event trace_id = %v, want shared trace", got[1].Payload["trace_id"])
	}
}

func TestEnrichHandler_PassesThroughWithoutActiveSpan(t *testing.T) {
	_, tp := newTestTracer()
	tracing := fmotel.NewTracingHandler(tp.Tracer("test"))

	var got []flowmesh.Event
	enriched := fmotel.EnrichHandler(func(e flowmesh.Event) {
		got = append(got, e)
	}, tracing)

	enriched(flowmesh.Event{Kind: flowmesh.EventRunIdle, RunID: "unknown"})

	if len(got) != 1 {
		t.Fatalf("forwarded %d events, want 1", len(got))
	}
	if _, found := got[0].Payload["trace_id"]; found {
		t.Error("expected no trace_id without an active span")
	}
}

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := fmotel.Setup(context.Background(), fmotel.Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
