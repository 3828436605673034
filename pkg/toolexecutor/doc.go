// Package toolexecutor registers tools and agents by name and executes them
// on behalf of the agent loop.
//
// Invariants:
// - Names are unique within a Registry; registering a name twice fails and
//   keeps the first definition.
// - The Dispatcher resolves tools before agents and refuses to start when a
//   name exists in both.
// - Arguments are schema-validated before a handler runs.
// - Handler failures, panics and timeouts come back as ToolExecutionError;
//   unknown names as NotFoundError.
//
// Usage:
//
//	tools := toolexecutor.NewRegistry(toolexecutor.KindTool)
//	_ = tools.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	d, _ := toolexecutor.NewDispatcher(tools, toolexecutor.NewRegistry(toolexecutor.KindAgent), toolexecutor.DispatcherOptions{})
//	res := d.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
package toolexecutor
