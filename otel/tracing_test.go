package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/flowmesh"
	fmotel "github.com/petal-labs/flowmesh/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_RunStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{
		Kind:  flowmesh.EventRunStarted,
		RunID: "run-1",
		Time:  now,
	})

	sc := h.ActiveRunSpanContext("run-1")
	if !sc.IsValid() {
		t.Fatal("expected valid run span context after run_started")
	}

	h.Handle(flowmesh.Event{
		Kind:  flowmesh.EventRunStopped,
		RunID: "run-1",
		Time:  now.Add(100 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "run:run-1" {
		t.Errorf("expected span name 'run:run-1', got %q", spans[0].Name)
	}

	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "flowmesh.run_id" && attr.Value.AsString() == "run-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected flowmesh.run_id attribute on run span")
	}
}

func TestTracingHandler_ExecutorStartedCreatesChildSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{
		Kind:  flowmesh.EventRunStarted,
		RunID: "run-1",
		Time:  now,
	})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorStarted,
		RunID:     "run-1",
		Executor:  "worker/eu",
		MessageID: "msg-1",
		Type:      "task",
		Time:      now.Add(10 * time.Millisecond),
	})

	sc := h.ActiveExecSpanContext("run-1", "worker/eu", "msg-1")
	if !sc.IsValid() {
		t.Fatal("expected valid invocation span context after executor_started")
	}

	runSC := h.ActiveRunSpanContext("run-1")
	if sc.TraceID() != runSC.TraceID() {
		t.Error("expected invocation span to share trace ID with run span")
	}

	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorFinished,
		RunID:     "run-1",
		Executor:  "worker/eu",
		MessageID: "msg-1",
		Type:      "task",
		Time:      now.Add(20 * time.Millisecond),
		Elapsed:   10 * time.Millisecond,
	})
	h.Handle(flowmesh.Event{
		Kind:  flowmesh.EventRunStopped,
		RunID: "run-1",
		Time:  now.Add(30 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	var execSpan *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "executor:worker/eu" {
			execSpan = &spans[i]
			break
		}
	}
	if execSpan == nil {
		t.Fatal("did not find executor:worker/eu span")
	}
	if execSpan.Parent.SpanID() != runSC.SpanID() {
		t.Error("expected invocation span parent to be the run span")
	}
	if execSpan.Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status on finished invocation span, got %v", execSpan.Status.Code)
	}

	foundType := false
	for _, attr := range execSpan.Attributes {
		if string(attr.Key) == "flowmesh.message_type" && attr.Value.AsString() == "task" {
			foundType = true
		}
	}
	if !foundType {
		t.Error("expected flowmesh.message_type attribute on invocation span")
	}
}

func TestTracingHandler_ExecutorFinishedEndsSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorStarted,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "msg-1",
		Time:      now.Add(time.Millisecond),
	})

	if !h.ActiveExecSpanContext("run-1", "worker", "msg-1").IsValid() {
		t.Fatal("expected valid span before finish")
	}

	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorFinished,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "msg-1",
		Time:      now.Add(2 * time.Millisecond),
		Elapsed:   time.Millisecond,
	})

	if h.ActiveExecSpanContext("run-1", "worker", "msg-1").IsValid() {
		t.Error("expected invalid span context after executor_finished")
	}
}

func TestTracingHandler_ExecutorFailedSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorStarted,
		RunID:     "run-1",
		Executor:  "faulty",
		MessageID: "msg-1",
		Time:      now.Add(time.Millisecond),
	})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorFailed,
		RunID:     "run-1",
		Executor:  "faulty",
		MessageID: "msg-1",
		Time:      now.Add(2 * time.Millisecond),
		Elapsed:   time.Millisecond,
		Payload:   map[string]any{"error": "something went wrong"},
	})
	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStopped, RunID: "run-1", Time: now.Add(3 * time.Millisecond)})

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name != "executor:faulty" {
			continue
		}
		if s.Status.Code != otelcodes.Error {
			t.Errorf("expected Error status, got %v", s.Status.Code)
		}
		if s.Status.Description != "something went wrong" {
			t.Errorf("expected error description 'something went wrong', got %q", s.Status.Description)
		}
		foundException := false
		for _, ev := range s.Events {
			if ev.Name == "exception" {
				foundException = true
			}
		}
		if !foundException {
			t.Error("expected exception event on failed span")
		}
		return
	}
	t.Error("executor:faulty span not found")
}

func TestTracingHandler_MessageEventsBecomeSpanEvents(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorStarted,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "msg-1",
		Time:      now.Add(time.Millisecond),
	})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventMessageSent,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "msg-1",
		Type:      "result",
		Time:      now.Add(2 * time.Millisecond),
	})
	h.Handle(flowmesh.Event{
		Kind:      flowmesh.EventExecutorFinished,
		RunID:     "run-1",
		Executor:  "worker",
		MessageID: "msg-1",
		Time:      now.Add(3 * time.Millisecond),
	})
	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStopped, RunID: "run-1", Time: now.Add(4 * time.Millisecond)})

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name != "executor:worker" {
			continue
		}
		if len(s.Events) != 1 || s.Events[0].Name != "message_sent" {
			t.Fatalf("expected one message_sent span event, got %v", s.Events)
		}
		return
	}
	t.Error("executor:worker span not found")
}

func TestTracingHandler_RunStoppedEndsRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStarted, RunID: "run-1", Time: now})
	h.Handle(flowmesh.Event{Kind: flowmesh.EventRunStopped, RunID: "run-1", Time: now.Add(50 * time.Millisecond)})

	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("expected invalid run span context after run_stopped")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status on stopped run, got %v", spans[0].Status.Code)
	}
}

func TestTracingHandler_FullLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := fmotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()

	events := []flowmesh.Event{
		{Kind: flowmesh.EventRunStarted, RunID: "r1", Time: now},
		{Kind: flowmesh.EventExecutorStarted, RunID: "r1", Executor: "upper", MessageID: "m1", Type: "text", Time: now.Add(1 * time.Millisecond)},
		{Kind: flowmesh.EventMessageSent, RunID: "r1", Executor: "upper", MessageID: "m1", Type: "text", Time: now.Add(2 * time.Millisecond)},
		{Kind: flowmesh.EventExecutorFinished, RunID: "r1", Executor: "upper", MessageID: "m1", Type: "text", Time: now.Add(3 * time.Millisecond), Elapsed: 2 * time.Millisecond},
		{Kind: flowmesh.EventExecutorStarted, RunID: "r1", Executor: "sink", MessageID: "m2", Type: "text", Time: now.Add(4 * time.Millisecond)},
		{Kind: flowmesh.EventExecutorFailed, RunID: "r1", Executor: "sink", MessageID: "m2", Type: "text", Time: now.Add(5 * time.Millisecond), Elapsed: time.Millisecond, Payload: map[string]any{"error": "timeout"}},
		{Kind: flowmesh.EventRunStopped, RunID: "r1", Time: now.Add(6 * time.Millisecond)},
	}
	for _, e := range events {
		h.Handle(e)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans (run + 2 invocations), got %d", len(spans))
	}

	names := map[string]bool{}
	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans {
		names[s.Name] = true
		if s.SpanContext.TraceID() != traceID {
			t.Error("expected all spans to share the same trace ID")
		}
	}
	for _, expected := range []string{"run:r1", "executor:upper", "executor:sink"} {
		if !names[expected] {
			t.Errorf("expected span %q not found", expected)
		}
	}
}
