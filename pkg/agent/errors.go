package agent

import "fmt"

// ModelCallError wraps a failure of the model-call collaborator. It ends the
// run in the failed state.
type ModelCallError struct {
	Backend string
	Err     error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call to backend %s failed: %v", e.Backend, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// DepthExceededError is returned when a nested agent call would go deeper
// than the configured limit.
type DepthExceededError struct {
	Agent string
	Depth int
	Max   int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("agent %s: nesting depth %d exceeds limit %d", e.Agent, e.Depth, e.Max)
}

// UnknownAgentError is returned when a run names an agent that was never
// registered.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent: %s", e.Name)
}
