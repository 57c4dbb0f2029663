// Package flowmesh provides an actor-based workflow execution engine:
// a runtime that schedules a graph of stateful message-handling executors,
// routes typed messages between them along declared edges, manages scoped
// shared state with transactional visibility, and supports whole-graph
// save/restore.
//
// The root package holds the engine's core vocabulary — envelopes,
// executors, edges, workflow events. Execution lives in subpackages:
//
//	import "github.com/petal-labs/flowmesh/runtime"    // step scheduler and lifecycle
//	import "github.com/petal-labs/flowmesh/state"      // scoped state with queued writes
//	import "github.com/petal-labs/flowmesh/checkpoint" // snapshot format and stores
//	import "github.com/petal-labs/flowmesh/bus"        // event distribution and persistence
//
// A minimal graph wires two executors with a direct edge and drains it:
//
//	upper := flowmesh.NewFuncExecutor("upper", "text",
//		func(ctx context.Context, env flowmesh.Envelope, hc flowmesh.HandlerContext) (any, error) {
//			return nil, hc.Send(strings.ToUpper(env.Payload.(string)), "text.upper")
//		})
//
//	rt := runtime.New(runtime.Options{})
//	rt.RegisterExecutor(upper)
//	rt.AddEdge(flowmesh.NewDirectEdge("upper", "sink"))
//	rt.Start()
//	rt.Send("hello", "text", "upper")
//	rt.RunUntilIdle(ctx)
package flowmesh
