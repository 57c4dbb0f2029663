package runtime

import (
	"context"
	"sync"

	"github.com/petal-labs/flowmesh"
	"github.com/petal-labs/flowmesh/state"
)

// messageKind distinguishes the three outbound paths a handler can take.
type messageKind int

const (
	kindEdges messageKind = iota
	kindDirect
	kindPublish
)

// stagedMessage is an outbound message buffered until its handler
// commits. Direct sends carry their pending result and cancellation
// token, created eagerly so the caller can hold them before commit.
type stagedMessage struct {
	env    flowmesh.Envelope
	kind   messageKind
	target flowmesh.ExecutorID
	topic  flowmesh.TopicID
	ctx    context.Context
	cancel context.CancelFunc
	result *flowmesh.PendingResult
}

// stagedUpdate is a state write buffered until its handler commits.
type stagedUpdate struct {
	key    state.Key
	update state.Update
}

// execContext is the HandlerContext handed to one handler invocation.
// Everything issued through it is staged; the scheduler commits the
// stage when the handler returns nil and discards it otherwise.
// Validation still happens at the issuing call, so configuration errors
// surface inside the handler, synchronously.
type execContext struct {
	rt   *Runtime
	self flowmesh.ExecutorID

	mu      sync.Mutex
	sends   []stagedMessage
	updates []stagedUpdate
	events  []flowmesh.Event
}

func newExecContext(rt *Runtime, self flowmesh.ExecutorID) *execContext {
	return &execContext{rt: rt, self: self}
}

// Send routes a message along the sender's outbound edges. Edge routing
// itself runs at commit, so stateful edges observe only committed sends.
func (c *execContext) Send(payload any, msgType flowmesh.MessageType) error {
	c.rt.mu.Lock()
	err := c.rt.validateEdgeSendLocked(c.self, msgType)
	c.rt.mu.Unlock()
	if err != nil {
		return err
	}

	env := flowmesh.NewEnvelope(payload, msgType).WithSender(c.self)
	c.mu.Lock()
	c.sends = append(c.sends, stagedMessage{env: env, kind: kindEdges})
	c.mu.Unlock()
	return nil
}

// SendTo delivers directly to a target, bypassing edges. The returned
// result settles when the target handler commits; it settles with this
// handler's fault if the send never commits.
func (c *execContext) SendTo(payload any, msgType flowmesh.MessageType, target flowmesh.ExecutorID) (*flowmesh.PendingResult, error) {
	c.rt.mu.Lock()
	if !c.rt.started {
		c.rt.mu.Unlock()
		return nil, flowmesh.ErrNotStarted
	}
	if target == "" {
		c.rt.mu.Unlock()
		return nil, flowmesh.ErrMissingTarget
	}
	if err := c.rt.validateDeliveryLocked(target, msgType); err != nil {
		c.rt.mu.Unlock()
		return nil, err
	}
	dctx, cancel := context.WithCancel(c.rt.baseCtx)
	c.rt.mu.Unlock()

	result := flowmesh.NewPendingResult(cancel)
	env := flowmesh.NewEnvelope(payload, msgType).WithSender(c.self).WithReceiver(target)

	c.mu.Lock()
	c.sends = append(c.sends, stagedMessage{
		env:    env,
		kind:   kindDirect,
		target: target,
		ctx:    dctx,
		cancel: cancel,
		result: result,
	})
	c.mu.Unlock()
	return result, nil
}

// Publish delivers to every executor subscribed to the topic. The
// subscriber set is resolved at commit; validation runs now against the
// current set.
func (c *execContext) Publish(payload any, msgType flowmesh.MessageType, topic flowmesh.TopicID) error {
	c.rt.mu.Lock()
	if topic == "" {
		c.rt.mu.Unlock()
		return flowmesh.ErrMissingTarget
	}
	targets := c.rt.subscriberTargetsLocked(topic, c.self)
	for _, t := range targets {
		if err := c.rt.validateDeliveryLocked(t, msgType); err != nil {
			c.rt.mu.Unlock()
			return err
		}
	}
	c.rt.mu.Unlock()

	env := flowmesh.NewEnvelope(payload, msgType).WithSender(c.self).WithTopic(topic)
	c.mu.Lock()
	c.sends = append(c.sends, stagedMessage{env: env, kind: kindPublish, topic: topic})
	c.mu.Unlock()
	return nil
}

// QueueStateUpdate queues a write to the executor's default scope.
// A nil value queues a delete.
func (c *execContext) QueueStateUpdate(key string, value any) {
	c.queue(state.ScopeID{Executor: string(c.self)}, key, value)
}

// QueueScopedUpdate queues a write to a named shared scope.
// A nil value queues a delete.
func (c *execContext) QueueScopedUpdate(scope, key string, value any) {
	c.queue(state.ScopeID{Name: scope}, key, value)
}

func (c *execContext) queue(scope state.ScopeID, key string, value any) {
	u := state.Update{Value: value}
	if value == nil {
		u = state.Update{Delete: true}
	}
	c.mu.Lock()
	c.updates = append(c.updates, stagedUpdate{
		key:    state.Key{Scope: scope, Name: key},
		update: u,
	})
	c.mu.Unlock()
}

// ReadState reads a key from the executor's default scope, observing
// updates staged earlier in this invocation and updates queued by
// earlier generations that have not yet published.
func (c *execContext) ReadState(ctx context.Context, key string) (any, bool, error) {
	return c.read(ctx, state.ScopeID{Executor: string(c.self)}, key)
}

// ReadScopedState is ReadState against a named shared scope.
func (c *execContext) ReadScopedState(ctx context.Context, scope, key string) (any, bool, error) {
	return c.read(ctx, state.ScopeID{Name: scope}, key)
}

func (c *execContext) read(ctx context.Context, scope state.ScopeID, key string) (any, bool, error) {
	k := state.Key{Scope: scope, Name: key}

	// Latest staged update wins over anything queued or durable.
	c.mu.Lock()
	for i := len(c.updates) - 1; i >= 0; i-- {
		if c.updates[i].key == k {
			u := c.updates[i].update
			c.mu.Unlock()
			if u.Delete {
				return nil, false, nil
			}
			return u.Value, true, nil
		}
	}
	c.mu.Unlock()

	return c.rt.states.Read(ctx, k)
}

// AddEvent stages a caller-defined event for emission at commit.
func (c *execContext) AddEvent(ev flowmesh.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

// commitLocked applies the stage: enqueues outbound deliveries, queues
// state updates with the manager, and emits staged events. The scheduler
// calls it with rt.mu held, serially and in mailbox order, which keeps
// edge routing and event sequencing deterministic.
func (c *execContext) commitLocked() {
	rt := c.rt

	c.mu.Lock()
	sends := c.sends
	updates := c.updates
	events := c.events
	c.sends, c.updates, c.events = nil, nil, nil
	c.mu.Unlock()

	for _, m := range sends {
		switch m.kind {
		case kindDirect:
			rt.step.enqueue(&pendingDelivery{
				delivery: flowmesh.Delivery{Envelope: m.env, Target: m.target},
				ctx:      m.ctx,
				cancel:   m.cancel,
				result:   m.result,
			})
			rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageSent, rt.now()).
				WithExecutor(m.target).
				WithMessage(m.env.MessageID, m.env.Type))

		case kindEdges:
			var deliveries []flowmesh.Delivery
			for _, e := range rt.edges {
				if e.From(m.env.Sender) {
					deliveries = append(deliveries, e.Route(m.env)...)
				}
			}
			if len(deliveries) == 0 {
				rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageDropped, rt.now()).
					WithExecutor(m.env.Sender).
					WithMessage(m.env.MessageID, m.env.Type))
				rt.logger.Debug("message dropped, no route", "sender", m.env.Sender, "type", m.env.Type)
				continue
			}
			for _, d := range deliveries {
				rt.step.enqueue(rt.newPendingLocked(d, false))
			}
			rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageSent, rt.now()).
				WithExecutor(m.env.Sender).
				WithMessage(m.env.MessageID, m.env.Type).
				WithPayload("deliveries", len(deliveries)))

		case kindPublish:
			// The set is re-resolved at commit, so a subscriber added
			// after the handler's Publish call must be re-checked: one
			// that does not handle the type is dropped here rather than
			// surfacing later as a delivery fault.
			var targets []flowmesh.ExecutorID
			for _, t := range rt.subscriberTargetsLocked(m.topic, m.env.Sender) {
				if err := rt.validateDeliveryLocked(t, m.env.Type); err != nil {
					rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageDropped, rt.now()).
						WithExecutor(m.env.Sender).
						WithMessage(m.env.MessageID, m.env.Type).
						WithPayload("topic", string(m.topic)).
						WithPayload("subscriber", string(t)))
					rt.logger.Warn("publish subscriber dropped at commit",
						"topic", m.topic, "subscriber", t, "error", err)
					continue
				}
				targets = append(targets, t)
			}
			if len(targets) == 0 {
				rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessageDropped, rt.now()).
					WithExecutor(m.env.Sender).
					WithMessage(m.env.MessageID, m.env.Type).
					WithPayload("topic", string(m.topic)))
				continue
			}
			for _, t := range targets {
				rt.step.enqueue(rt.newPendingLocked(flowmesh.Delivery{Envelope: m.env, Target: t}, false))
			}
			rt.emitLocked(flowmesh.NewEventAt(flowmesh.EventMessagePublished, rt.now()).
				WithExecutor(m.env.Sender).
				WithMessage(m.env.MessageID, m.env.Type).
				WithPayload("topic", string(m.topic)).
				WithPayload("subscribers", len(targets)))
		}
	}

	for _, u := range updates {
		rt.states.Queue(u.key, u.update)
	}
	for _, ev := range events {
		rt.emitLocked(ev)
	}
}

// discard drops the stage and settles any staged direct-send results
// with the reason the stage never committed.
func (c *execContext) discard(reason error) {
	c.mu.Lock()
	sends := c.sends
	c.sends, c.updates, c.events = nil, nil, nil
	c.mu.Unlock()

	for _, m := range sends {
		if m.result != nil {
			m.result.Reject(reason)
		}
		if m.cancel != nil {
			m.cancel()
		}
	}
}

// Compile-time interface check.
var _ flowmesh.HandlerContext = (*execContext)(nil)
