package agent

import (
	"context"
	"fmt"

	"github.com/harun/parley/pkg/toolexecutor"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []*toolexecutor.ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderSpec is everything needed to build a provider client.
type ProviderSpec struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// ProviderBuilder builds a provider for one auth profile.
type ProviderBuilder interface {
	NewProvider(spec ProviderSpec) (LLMProvider, error)
}

// ProviderBuilderFunc adapts a function to ProviderBuilder.
type ProviderBuilderFunc func(spec ProviderSpec) (LLMProvider, error)

func (f ProviderBuilderFunc) NewProvider(spec ProviderSpec) (LLMProvider, error) { return f(spec) }

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(spec ProviderSpec) (LLMProvider, error) {
	switch spec.Provider {
	case "anthropic":
		return NewAnthropicProvider(spec.APIKey, spec.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(spec.APIKey, spec.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(spec.APIKey), nil
	case "ollama":
		return NewOllamaProvider(spec.BaseURL, spec.APIKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", spec.Provider)
	}
}

// systemPromptOf returns the request's system prompt, falling back to the
// first system turn of the transcript.
func systemPromptOf(request LLMRequest) string {
	if request.SystemPrompt != "" {
		return request.SystemPrompt
	}
	for _, msg := range request.Messages {
		if msg.Role == RoleSystem {
			return msg.Content
		}
	}
	return ""
}
