// Package aworld is an agent orchestration runtime: it executes LLM-driven
// agents that reason in a loop, call tools (in-process, MCP, or sandboxed),
// and hand off to each other, producing observable, cancellable task runs.
//
// The building blocks compose bottom-up:
//
//   - Message / EventBus: every step of a run is a typed message on a
//     topic-routed bus with per-task streaming queues.
//   - HookRegistry: pre/post callbacks at well-known lifecycle points.
//   - Context: per-task shared state (task tree, token usage, cancellation).
//   - Registry / Invoker: uniform action invocation over tool kinds.
//   - SandboxManager / LoopPool: per-sandbox single-worker affinity.
//   - Agent / Swarm: opaque policies and typed multi-agent topologies.
//   - Scheduler: task submission, batching, streaming, timeout, engines.
//
// A minimal run:
//
//	reg := aworld.NewRegistry()
//	reg.Register(calculator.New())
//	sched := aworld.NewScheduler(aworld.WithRegistry(reg))
//	task := aworld.NewTask("add 2 and 3", aworld.WithAgent(agent))
//	resp, err := sched.RunTask(ctx, task)
package aworld
