package toolexecutor

import "fmt"

// DuplicateNameError is returned when a name is registered twice, or exists
// in both the tool and the agent registry.
type DuplicateNameError struct {
	Kind Kind
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q is already registered", e.Kind, e.Name)
}

// NotFoundError is returned when no tool or agent has the requested name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// PolicyError is returned when the calling agent may not use the tool.
type PolicyError struct {
	Name  string
	Agent string
}

func (e *PolicyError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("tool %q is not allowed", e.Name)
	}
	return fmt.Sprintf("tool %q is not allowed for agent %s", e.Name, e.Agent)
}

// ToolExecutionError wraps a failure raised while running a handler,
// including invalid arguments, panics and timeouts.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
