package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/harun/parley/pkg/toolexecutor"
)

func sampleRequest() LLMRequest {
	lookup := &toolexecutor.ToolDefinition{
		Name:        "lookup",
		Description: "Look something up",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Query", Required: true},
			{Name: "limit", Type: "integer", Description: "Max results"},
		},
	}
	return LLMRequest{
		Model:     "test-model",
		MaxTokens: 256,
		Messages: []Message{
			{Role: RoleSystem, Content: "Be brief."},
			{Role: RoleUser, Content: "find go"},
			{Role: RoleAssistant, Content: "Looking.", ToolCalls: []ToolCall{
				{ID: "t1", Name: "lookup", Parameters: map[string]interface{}{"query": "go"}},
				{ID: "t2", Name: "lookup", Parameters: map[string]interface{}{"query": "golang"}},
			}},
			{Role: RoleTool, ToolCallID: "t1", ToolName: "lookup", Content: "a language"},
			{Role: RoleTool, ToolCallID: "t2", ToolName: "lookup", Content: "Error: down", IsError: true},
		},
		Tools: []*toolexecutor.ToolDefinition{lookup},
	}
}

func TestSystemPromptOf(t *testing.T) {
	req := sampleRequest()
	assert.Equal(t, "Be brief.", systemPromptOf(req))
	req.SystemPrompt = "Override"
	assert.Equal(t, "Override", systemPromptOf(req))
}

func TestOpenAIParams(t *testing.T) {
	params, err := openAIParams(sampleRequest())
	require.NoError(t, err)

	require.Len(t, params.Messages, 5)
	assert.NotNil(t, params.Messages[0].OfSystem)
	assert.NotNil(t, params.Messages[1].OfUser)
	require.NotNil(t, params.Messages[2].OfAssistant)
	assert.Len(t, params.Messages[2].OfAssistant.ToolCalls, 2)
	require.NotNil(t, params.Messages[3].OfTool)
	assert.Equal(t, "t1", params.Messages[3].OfTool.ToolCallID)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "lookup", params.Tools[0].Function.Name)
	assert.Equal(t, "object", params.Tools[0].Function.Parameters["type"])
}

func TestAnthropicParams_GroupsToolResults(t *testing.T) {
	params := anthropicParams(sampleRequest())

	// user, assistant, one user message carrying both results
	require.Len(t, params.Messages, 3)
	assert.Len(t, params.Messages[1].Content, 3)
	assert.Len(t, params.Messages[2].Content, 2)
	require.Len(t, params.System, 1)
	assert.Equal(t, "Be brief.", params.System[0].Text)
	assert.EqualValues(t, 256, params.MaxTokens)

	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.Equal(t, []string{"query"}, params.Tools[0].OfTool.InputSchema.Required)
}

func TestAnthropicParams_DefaultMaxTokens(t *testing.T) {
	req := sampleRequest()
	req.MaxTokens = 0
	assert.EqualValues(t, defaultAnthropicMaxTokens, anthropicParams(req).MaxTokens)
}

func TestGeminiRequest(t *testing.T) {
	contents, config := geminiRequest(sampleRequest())

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.Len(t, contents[1].Parts, 3)
	assert.Equal(t, "t1", contents[1].Parts[1].FunctionCall.ID)

	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "lookup", contents[2].Parts[0].FunctionResponse.Name)
	assert.Equal(t, "a language", contents[2].Parts[0].FunctionResponse.Response["output"])
	assert.Equal(t, "Error: down", contents[2].Parts[1].FunctionResponse.Response["error"])

	require.NotNil(t, config.SystemInstruction)
	assert.EqualValues(t, 256, config.MaxOutputTokens)
	require.Len(t, config.Tools, 1)
	decl := config.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, genai.TypeInteger, decl.Parameters.Properties["limit"].Type)
	assert.Equal(t, []string{"query"}, decl.Parameters.Required)
}

func TestOllamaRequest(t *testing.T) {
	req := ollamaRequest(sampleRequest())

	require.NotNil(t, req.Stream)
	assert.False(t, *req.Stream)
	require.Len(t, req.Messages, 5)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Len(t, req.Messages[2].ToolCalls, 2)
	assert.Equal(t, "lookup", req.Messages[3].ToolName)
	assert.Equal(t, 256, req.Options["num_predict"])
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Function.Name)
}
