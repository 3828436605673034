package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/harun/parley/pkg/toolexecutor"
)

const (
	defaultOllamaURL     = "http://localhost:11434"
	ollamaRequestTimeout = 5 * time.Minute
)

// OllamaProvider implements LLMProvider for a local or remote Ollama server.
type OllamaProvider struct {
	client *api.Client
}

type authTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(req)
}

// NewOllamaProvider creates a provider for the server at baseURL. apiKey is
// only needed for servers behind an authenticating proxy.
func NewOllamaProvider(baseURL, apiKey string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	httpClient := &http.Client{Timeout: ollamaRequestTimeout}
	if apiKey != "" {
		httpClient.Transport = &authTransport{base: http.DefaultTransport, apiKey: apiKey}
	}
	return &OllamaProvider{client: api.NewClient(u, httpClient)}, nil
}

// Provider returns the provider name
func (p *OllamaProvider) Provider() string {
	return "ollama"
}

// Call makes a non-streaming chat request.
func (p *OllamaProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	req := ollamaRequest(request)

	out := &LLMResponse{ToolCalls: []ToolCall{}, Usage: &TokenUsage{}}
	var text strings.Builder
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(out.ToolCalls))
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:         id,
				Name:       tc.Function.Name,
				Parameters: tc.Function.Arguments.ToMap(),
			})
		}
		if resp.Done {
			out.Usage.InputTokens = resp.PromptEvalCount
			out.Usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Content = text.String()
	return out, nil
}

func ollamaRequest(request LLMRequest) *api.ChatRequest {
	stream := false
	messages := make([]api.Message, 0, len(request.Messages)+1)
	if system := systemPromptOf(request); system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, api.Message{Role: "user", Content: msg.Content})
		case RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				for k, v := range tc.Parameters {
					args.Set(k, v)
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					ID:       tc.ID,
					Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, m)
		case RoleTool:
			messages = append(messages, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolName:   msg.ToolName,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	req := &api.ChatRequest{
		Model:    request.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]interface{}{},
	}
	if request.MaxTokens > 0 {
		req.Options["num_predict"] = request.MaxTokens
	}
	if request.Temperature > 0 {
		req.Options["temperature"] = request.Temperature
	}
	for _, def := range request.Tools {
		req.Tools = append(req.Tools, ollamaTool(def))
	}
	return req
}

func ollamaTool(def *toolexecutor.ToolDefinition) api.Tool {
	params := api.ToolFunctionParameters{
		Type:       "object",
		Required:   def.RequiredParameters(),
		Properties: api.NewToolPropertiesMap(),
	}
	for _, p := range def.Parameters {
		prop := api.ToolProperty{
			Type:        api.PropertyType{p.Type},
			Description: p.Description,
		}
		if len(p.Enum) > 0 {
			enumVals := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enumVals[i] = v
			}
			prop.Enum = enumVals
		}
		params.Properties.Set(p.Name, prop)
	}
	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
		},
	}
}
