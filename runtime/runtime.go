// Package runtime provides the execution engine for flowmesh graphs: it
// owns executor instances, routes messages along edges and subscriptions,
// and drives handlers generation by generation.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/flowmesh"
	"github.com/petal-labs/flowmesh/state"
)

// Factory builds an executor instance for an ID whose type portion
// matched the factory's registered type.
type Factory func(id flowmesh.ExecutorID) (flowmesh.Executor, error)

// Options controls runtime behavior.
type Options struct {
	// DeliverToSelf lets a publishing executor receive its own message
	// when it subscribes to the topic it published to. Off by default:
	// a publisher is skipped when fanning its own publish out.
	DeliverToSelf bool

	// EventBuffer sets the capacity of the Events channel (default: 256).
	EventBuffer int

	// EventHandler, if set, receives every event synchronously in
	// emission order, in addition to the Events channel. Handlers must
	// not call back into the runtime.
	EventHandler flowmesh.EventHandler

	// StateManager overrides the default in-memory state manager.
	StateManager *state.Manager

	// Logger receives structured runtime logs. If nil, uses slog.Default.
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// subscription binds a topic to one subscribed executor.
type subscription struct {
	topic    flowmesh.TopicID
	executor flowmesh.ExecutorID
}

// Runtime is the top-level engine handle. It is safe for concurrent use;
// handlers running inside a generation interact with it only through
// their HandlerContext.
type Runtime struct {
	deliverToSelf bool
	eventBuffer   int
	handler       flowmesh.EventHandler
	logger        *slog.Logger
	now           func() time.Time

	states *state.Manager

	mu         sync.Mutex
	factories  map[string]Factory
	executors  map[flowmesh.ExecutorID]flowmesh.Executor
	execOrder  []flowmesh.ExecutorID
	edges      []flowmesh.Edge
	edgeIDs    map[string]bool
	subs       map[string]subscription
	subOrder   []string
	started    bool
	running    bool
	runID      string
	generation int
	baseCtx    context.Context
	baseCancel context.CancelFunc
	step       *stepContext
	seq        *seqGen
	events     chan flowmesh.Event
}

// New creates a runtime. Register factories, executors, edges, and
// subscriptions, then Start it before sending messages.
func New(opts Options) *Runtime {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	states := opts.StateManager
	if states == nil {
		states = state.NewManager(state.ManagerConfig{})
	}

	return &Runtime{
		deliverToSelf: opts.DeliverToSelf,
		eventBuffer:   opts.EventBuffer,
		handler:       opts.EventHandler,
		logger:        opts.Logger,
		now:           opts.Now,
		states:        states,
		factories:     make(map[string]Factory),
		executors:     make(map[flowmesh.ExecutorID]flowmesh.Executor),
		edgeIDs:       make(map[string]bool),
		subs:          make(map[string]subscription),
		step:          newStepContext(),
		seq:           newSeqGen(),
		events:        make(chan flowmesh.Event, opts.EventBuffer),
	}
}

// States returns the runtime's state manager.
func (r *Runtime) States() *state.Manager {
	return r.states
}

// RunID returns the current run's identifier, or "" before Start.
func (r *Runtime) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Events returns the event channel for the current run. The channel is
// closed by Stop; a nil channel is returned after Stop and before the
// next Start.
func (r *Runtime) Events() <-chan flowmesh.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// RegisterFactory registers a builder for an executor type. Executors
// addressed as "type" or "type/key" are created by the factory registered
// under "type", on first delivery or subscription.
func (r *Runtime) RegisterFactory(execType string, factory Factory) error {
	if execType == "" || factory == nil {
		return fmt.Errorf("%w: empty type or nil factory", flowmesh.ErrUnknownExecutorType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[execType]; exists {
		return fmt.Errorf("%w: %q", flowmesh.ErrDuplicateFactory, execType)
	}
	r.factories[execType] = factory
	return nil
}

// RegisterExecutor registers a pre-built executor instance under its own
// ID. The instance must declare at least one handled message type.
func (r *Runtime) RegisterExecutor(ex flowmesh.Executor) error {
	if ex == nil {
		return fmt.Errorf("%w: nil executor", flowmesh.ErrNoHandlers)
	}
	if len(ex.Types()) == 0 {
		return fmt.Errorf("%w: %s", flowmesh.ErrNoHandlers, ex.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := ex.ID()
	if _, exists := r.executors[id]; exists {
		return fmt.Errorf("%w: %s", flowmesh.ErrDuplicateExecutor, id)
	}
	r.executors[id] = ex
	r.execOrder = append(r.execOrder, id)
	return nil
}

// AddEdge declares an outbound routing edge. Stateful edge IDs must be
// unique within the runtime.
func (r *Runtime) AddEdge(e flowmesh.Edge) error {
	if e == nil {
		return fmt.Errorf("add edge: nil edge")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if se, ok := e.(flowmesh.StatefulEdge); ok {
		if r.edgeIDs[se.EdgeID()] {
			return fmt.Errorf("%w: %q", flowmesh.ErrDuplicateEdge, se.EdgeID())
		}
		r.edgeIDs[se.EdgeID()] = true
	}
	r.edges = append(r.edges, e)
	return nil
}

// Subscribe delivers every message published to topic to the executor.
// It returns a subscription ID for Unsubscribe. The executor is resolved
// (and created, if factory-backed) immediately.
func (r *Runtime) Subscribe(topic flowmesh.TopicID, executor flowmesh.ExecutorID) (string, error) {
	if topic == "" {
		return "", flowmesh.ErrMissingTarget
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.resolveExecutorLocked(executor); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.subs[id] = subscription{topic: topic, executor: executor}
	r.subOrder = append(r.subOrder, id)
	return id, nil
}

// Unsubscribe removes a subscription by ID.
func (r *Runtime) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return fmt.Errorf("%w: %q", flowmesh.ErrUnknownSubscription, id)
	}
	delete(r.subs, id)
	for i, sid := range r.subOrder {
		if sid == id {
			r.subOrder = append(r.subOrder[:i], r.subOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Start begins a run: it issues a fresh run ID and accepts sends and
// publishes until Stop.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return flowmesh.ErrAlreadyStarted
	}
	r.started = true
	r.runID = uuid.NewString()
	r.generation = 0
	r.seq = newSeqGen()
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	if r.events == nil {
		r.events = make(chan flowmesh.Event, r.eventBuffer)
	}

	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventRunStarted, r.now()))
	r.logger.Info("run started", "run_id", r.runID)
	return nil
}

// Stop ends the run. Deliveries still queued are canceled: their pending
// results settle with ErrCanceled. The Events channel is closed.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return flowmesh.ErrNotStarted
	}
	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventRunStopped, r.now()))
	r.started = false
	r.baseCancel()

	for _, id := range r.step.order {
		for _, pd := range r.step.queues[id] {
			if pd.result != nil {
				pd.result.Reject(flowmesh.ErrCanceled)
			}
		}
	}
	r.step = newStepContext()

	close(r.events)
	r.events = nil
	r.logger.Info("run stopped", "run_id", r.runID)
	return nil
}

// Send delivers a message directly to a target executor, bypassing edge
// routing. It fails synchronously on configuration errors and returns a
// pending result that settles when the target handler commits, faults,
// or is canceled. Options such as flowmesh.WithMessageID customize the
// queued envelope.
func (r *Runtime) Send(payload any, msgType flowmesh.MessageType, target flowmesh.ExecutorID, opts ...flowmesh.EnvelopeOption) (*flowmesh.PendingResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil, flowmesh.ErrNotStarted
	}
	if target == "" {
		return nil, flowmesh.ErrMissingTarget
	}
	if err := r.validateDeliveryLocked(target, msgType); err != nil {
		return nil, err
	}

	env := flowmesh.NewEnvelope(payload, msgType, opts...).WithReceiver(target)
	pd := r.newPendingLocked(flowmesh.Delivery{Envelope: env, Target: target}, true)
	r.step.enqueue(pd)
	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageSent, r.now()).
		WithExecutor(target).
		WithMessage(env.MessageID, msgType))
	return pd.result, nil
}

// Publish delivers a message to every executor currently subscribed to
// the topic. It fails synchronously when any subscriber does not handle
// the message type. A publish with no subscribers is dropped, not an
// error. A publish attributed to an executor via flowmesh.WithSender
// skips that executor's own subscriptions unless DeliverToSelf is set,
// exactly as if the executor had published from inside a handler.
func (r *Runtime) Publish(payload any, msgType flowmesh.MessageType, topic flowmesh.TopicID, opts ...flowmesh.EnvelopeOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return flowmesh.ErrNotStarted
	}
	if topic == "" {
		return flowmesh.ErrMissingTarget
	}

	env := flowmesh.NewEnvelope(payload, msgType, opts...).WithTopic(topic)
	targets := r.subscriberTargetsLocked(topic, env.Sender)
	for _, t := range targets {
		if err := r.validateDeliveryLocked(t, msgType); err != nil {
			return err
		}
	}

	if len(targets) == 0 {
		r.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageDropped, r.now()).
			WithExecutor(env.Sender).
			WithMessage(env.MessageID, msgType).
			WithPayload("topic", string(topic)))
		r.logger.Debug("publish dropped, no subscribers", "topic", topic, "type", msgType)
		return nil
	}

	for _, t := range targets {
		r.step.enqueue(r.newPendingLocked(flowmesh.Delivery{Envelope: env, Target: t}, false))
	}
	r.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessagePublished, r.now()).
		WithExecutor(env.Sender).
		WithMessage(env.MessageID, msgType).
		WithPayload("topic", string(topic)).
		WithPayload("subscribers", len(targets)))
	return nil
}

// newPendingLocked wraps a delivery with its cancellation token and,
// when asked, a pending result bound to that token.
func (r *Runtime) newPendingLocked(d flowmesh.Delivery, withResult bool) *pendingDelivery {
	ctx, cancel := context.WithCancel(r.baseCtx)
	pd := &pendingDelivery{delivery: d, ctx: ctx, cancel: cancel}
	if withResult {
		pd.result = flowmesh.NewPendingResult(cancel)
	}
	return pd
}

// resolveExecutorLocked returns the instance for an ID, creating it via
// the type's factory on first reference.
func (r *Runtime) resolveExecutorLocked(id flowmesh.ExecutorID) (flowmesh.Executor, error) {
	if id == "" {
		return nil, flowmesh.ErrMissingTarget
	}
	if ex, ok := r.executors[id]; ok {
		return ex, nil
	}

	factory, ok := r.factories[id.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", flowmesh.ErrUnknownExecutorType, id.Type())
	}
	ex, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("executor factory %q: %w", id.Type(), err)
	}
	if ex == nil || len(ex.Types()) == 0 {
		return nil, fmt.Errorf("%w: %s", flowmesh.ErrNoHandlers, id)
	}

	r.executors[id] = ex
	r.execOrder = append(r.execOrder, id)
	return ex, nil
}

// validateDeliveryLocked checks that the target exists and handles the
// message type, so addressing errors surface at the triggering call.
func (r *Runtime) validateDeliveryLocked(target flowmesh.ExecutorID, msgType flowmesh.MessageType) error {
	ex, err := r.resolveExecutorLocked(target)
	if err != nil {
		return err
	}
	if !handles(ex, msgType) {
		return fmt.Errorf("%w: %s does not handle %q", flowmesh.ErrUnhandledType, target, msgType)
	}
	return nil
}

// validateEdgeSendLocked checks every declared target of every edge
// matching the sender against the message type a routed copy would carry.
// Fan-in targets are checked against the edge's aggregate type.
func (r *Runtime) validateEdgeSendLocked(sender flowmesh.ExecutorID, msgType flowmesh.MessageType) error {
	for _, e := range r.edges {
		if !e.From(sender) {
			continue
		}
		delivered := msgType
		if fi, ok := e.(*flowmesh.FanInEdge); ok {
			delivered = fi.OutType()
		}
		for _, target := range e.Targets() {
			if err := r.validateDeliveryLocked(target, delivered); err != nil {
				return err
			}
		}
	}
	return nil
}

// subscriberTargetsLocked returns the subscribers of a topic in
// subscription order. The sender is skipped unless DeliverToSelf is set.
func (r *Runtime) subscriberTargetsLocked(topic flowmesh.TopicID, sender flowmesh.ExecutorID) []flowmesh.ExecutorID {
	var out []flowmesh.ExecutorID
	seen := make(map[flowmesh.ExecutorID]bool)
	for _, sid := range r.subOrder {
		sub, ok := r.subs[sid]
		if !ok || sub.topic != topic {
			continue
		}
		if sub.executor == sender && !r.deliverToSelf {
			continue
		}
		if seen[sub.executor] {
			continue
		}
		seen[sub.executor] = true
		out = append(out, sub.executor)
	}
	return out
}

// emitLocked stamps and distributes an event. Callers must hold r.mu.
func (r *Runtime) emitLocked(ev flowmesh.Event) {
	ev.RunID = r.runID
	ev.Seq = r.seq.Next()
	ev.Generation = r.generation
	if r.handler != nil {
		r.handler(ev)
	}
	if r.events != nil {
		select {
		case r.events <- ev:
		default:
			// Drop when the consumer falls behind.
		}
	}
}

// handles reports whether the executor declares the message type.
func handles(ex flowmesh.Executor, msgType flowmesh.MessageType) bool {
	for _, t := range ex.Types() {
		if t == msgType {
			return true
		}
	}
	return false
}
