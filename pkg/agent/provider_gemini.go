package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/harun/parley/pkg/toolexecutor"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider. The client is created on
// first use since it needs a context.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey: apiKey,
	}
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  p.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	p.client = client
	return client, nil
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, config := geminiRequest(request)
	resp, err := client.Models.GenerateContent(ctx, request.Model, contents, config)
	if err != nil {
		return nil, err
	}

	out := &LLMResponse{ToolCalls: []ToolCall{}, Usage: &TokenUsage{}}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}

	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Parameters: fc.Args})
		}
	}
	out.Content = text.String()
	return out, nil
}

func geminiRequest(request LLMRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if system := systemPromptOf(request); system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if request.Temperature > 0 {
		t := float32(request.Temperature)
		config.Temperature = &t
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if len(request.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
		for _, def := range request.Tools {
			decls = append(decls, geminiDeclaration(def))
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := []*genai.Content{}
	var pendingResults []*genai.Part
	flush := func() {
		if len(pendingResults) > 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pendingResults})
			pendingResults = nil
		}
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			flush()
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case RoleAssistant:
			flush()
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				part := genai.NewPartFromFunctionCall(tc.Name, tc.Parameters)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(" "))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{key: msg.Content})
			part.FunctionResponse.ID = msg.ToolCallID
			pendingResults = append(pendingResults, part)
		}
	}
	flush()
	return contents, config
}

func geminiDeclaration(def *toolexecutor.ToolDefinition) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(def.Parameters))
	for _, p := range def.Parameters {
		s := &genai.Schema{Type: geminiType(p.Type), Description: p.Description, Enum: p.Enum}
		if s.Type == genai.TypeArray {
			s.Items = &genai.Schema{Type: genai.TypeString}
		}
		props[p.Name] = s
	}
	return &genai.FunctionDeclaration{
		Name:        def.Name,
		Description: def.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   def.RequiredParameters(),
		},
	}
}

func geminiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
