// Package agent drives bounded tool-using conversations against model
// backends.
//
// Invariants:
// - Every model call holds a commandqueue slot on the agent's backend and
//   releases it before any tool runs.
// - A run performs at most its ceiling of iterations and ends done,
//   ceiling_reached or failed.
// - Tool failures become error-prefixed tool turns; only queue and model
//   failures end a run with an error.
// - Nested agent calls carry their depth in the execution context.
//
// Usage:
//
//	backends := agent.NewBackends(agent.BackendsOptions{})
//	_ = backends.Add(agent.BackendSpec{ID: "main", Provider: "anthropic", Model: "claude-sonnet-4-5"})
//	runner, _ := agent.NewRunner(agent.Config{Caller: backends, Queue: queue, Tools: tools})
//	_ = runner.RegisterAgent(agent.Agent{Name: "assistant", Backend: "main"})
//	result, _ := runner.Run(ctx, agent.RunRequest{Agent: "assistant", Input: "hello"})
//	_ = result.Text
package agent
