package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "Echo the input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "times", Type: "integer", Description: "Repeat count"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(KindTool)
	require.NoError(t, r.Register(echoTool("echo")))

	def, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", def.Name)
	assert.Equal(t, KindTool, def.Kind)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry(KindTool)
	first := echoTool("echo")
	first.Description = "first"
	require.NoError(t, r.Register(first))

	second := echoTool("echo")
	second.Description = "second"
	err := r.Register(second)

	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "echo", dup.Name)
	assert.Equal(t, KindTool, dup.Kind)

	def, err := r.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "first", def.Description)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry(KindAgent)
	_, err := r.Resolve("ghost")

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Name)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(KindTool)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(echoTool(n)))
	}

	var names []string
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistry_InvalidDefinitions(t *testing.T) {
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "d", Handler: noop}},
		{"empty description", ToolDefinition{Name: "n", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "n", Description: "d"}},
		{"bad type", ToolDefinition{Name: "n", Description: "d", Handler: noop,
			Parameters: []ToolParameter{{Name: "p", Type: "date", Description: "d"}}}},
		{"missing param description", ToolDefinition{Name: "n", Description: "d", Handler: noop,
			Parameters: []ToolParameter{{Name: "p", Type: "string"}}}},
		{"duplicate param", ToolDefinition{Name: "n", Description: "d", Handler: noop,
			Parameters: []ToolParameter{{Name: "p", Type: "string", Description: "d"}, {Name: "p", Type: "string", Description: "d"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(KindTool)
			assert.Error(t, r.Register(tt.def))
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegistry_ValidateParams(t *testing.T) {
	r := NewRegistry(KindTool)
	require.NoError(t, r.Register(echoTool("echo")))

	assert.NoError(t, r.ValidateParams("echo", map[string]interface{}{"text": "hi"}))
	assert.NoError(t, r.ValidateParams("echo", map[string]interface{}{"text": "hi", "times": float64(2)}))
	assert.Error(t, r.ValidateParams("echo", map[string]interface{}{}))
	assert.Error(t, r.ValidateParams("echo", map[string]interface{}{"text": 3}))
	assert.Error(t, r.ValidateParams("echo", map[string]interface{}{"text": "hi", "extra": true}))
}

func TestToolDefinition_InputSchema(t *testing.T) {
	def := echoTool("echo")
	schema := def.InputSchema()

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"text"}, schema["required"])
	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "times")
	assert.Equal(t, []string{"text"}, def.RequiredParameters())
}

func TestToolPolicy(t *testing.T) {
	var none *ToolPolicy
	assert.True(t, none.IsToolAllowed("anything"))

	empty := &ToolPolicy{}
	assert.False(t, empty.IsToolAllowed("anything"))

	p := &ToolPolicy{Allow: []string{"*"}, Deny: []string{"shell"}}
	assert.True(t, p.IsToolAllowed("echo"))
	assert.False(t, p.IsToolAllowed("shell"))

	only := &ToolPolicy{Allow: []string{"echo"}}
	assert.True(t, only.IsToolAllowed("echo"))
	assert.False(t, only.IsToolAllowed("end"))
}

func TestExecContextRoundTrip(t *testing.T) {
	assert.Nil(t, ExecContextFromContext(context.Background()))

	ec := &ExecutionContext{SessionID: "s", Summaries: NewSummaryCollector(), Control: &RunControl{}}
	ctx := ContextWithExecContext(context.Background(), ec)
	assert.Same(t, ec, ExecContextFromContext(ctx))
	assert.Equal(t, context.Background(), ContextWithExecContext(context.Background(), nil))

	ec.Summaries.Add("one")
	ec.Summaries.Add("two")
	assert.Equal(t, []string{"one", "two"}, ec.Summaries.All())
	assert.Equal(t, 2, ec.Summaries.Len())

	assert.False(t, ec.Control.EndRequested())
	ec.Control.RequestEnd()
	assert.True(t, ec.Control.EndRequested())
}
