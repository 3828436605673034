package agent

import (
	"strings"
	"time"

	"github.com/harun/parley/pkg/toolexecutor"
)

// Role tags a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation transcript.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// ToolName is set on tool turns; some providers address results by name.
	ToolName string `json:"tool_name,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// ToolCall represents a tool invocation
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai", "gemini", "ollama"
	APIKey        string `json:"api_key"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// Agent describes a named conversational agent and the backend it talks to.
type Agent struct {
	Name         string
	Description  string
	Backend      string
	SystemPrompt string
	Policy       *toolexecutor.ToolPolicy
	// MaxIterations overrides the loop ceiling when positive.
	MaxIterations int
	Temperature   float64
	MaxTokens     int
	// Callable registers the agent as a tool other agents may invoke.
	Callable bool
}

// CountMode selects what the iteration ceiling counts.
type CountMode string

const (
	CountRounds    CountMode = "rounds"
	CountToolCalls CountMode = "tool_calls"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusDone           Status = "done"
	StatusCeilingReached Status = "ceiling_reached"
	StatusFailed         Status = "failed"
)

// RunRequest is the input of one execution run.
type RunRequest struct {
	Agent     string
	Input     string
	SessionID string
	Sender    string
	// Transport is passed through to tool handlers unchanged.
	Transport interface{}
	// Summaries receives end-tool summaries. A collector is created when nil.
	Summaries *toolexecutor.SummaryCollector
	// MaxIterations overrides the agent and loop ceilings when positive.
	MaxIterations int
}

// RunResult is the outcome of one execution run.
type RunResult struct {
	RunID     string `json:"run_id"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id,omitempty"`
	Status    Status `json:"status"`
	Text      string `json:"text"`
	// Iterations is the ceiling counter, in the configured count mode.
	Iterations int           `json:"iterations"`
	Rounds     int           `json:"rounds"`
	ToolCalls  int           `json:"tool_calls"`
	Depth      int           `json:"depth"`
	Summaries  []string      `json:"summaries,omitempty"`
	Transcript []Message     `json:"transcript"`
	Usage      TokenUsage    `json:"usage"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Incomplete reports whether the run stopped at the iteration ceiling.
func (r *RunResult) Incomplete() bool {
	return r.Status == StatusCeilingReached
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") ||
		strings.Contains(errMsg, "connection reset") || strings.Contains(errMsg, "connection refused") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(strings.ToLower(errMsg), "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// IsAuthError reports whether err is a rejected credential. The profile is
// cooled down and the next one tried.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "invalid_api_key"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
