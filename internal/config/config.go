package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/parley/internal/logger"
)

// Config is the complete parley configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// AI holds credentials; backends reference profiles by ID.
	AI AIConfig `json:"ai" mapstructure:"ai"`

	Backends []BackendConfig `json:"backends" mapstructure:"backends"`
	Queue    QueueConfig     `json:"queue" mapstructure:"queue"`
	Dedup    DedupConfig     `json:"dedup" mapstructure:"dedup"`
	Loop     LoopConfig      `json:"loop" mapstructure:"loop"`
	Tools    ToolsConfig     `json:"tools" mapstructure:"tools"`

	// Agents are read from the main file and, when AgentsFile is set, from
	// a YAML file appended after them.
	Agents       []AgentConfig `json:"agents" mapstructure:"agents"`
	AgentsFile   string        `json:"agents_file" mapstructure:"agents_file"`
	DefaultAgent string        `json:"default_agent" mapstructure:"default_agent"`

	// Schedules wake agents on a timer.
	Schedules  []ScheduleConfig `json:"schedules" mapstructure:"schedules"`
	Moderation ModerationConfig `json:"moderation" mapstructure:"moderation"`

	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`
	Logging  logger.Config  `json:"logging" mapstructure:"logging"`
	// AuditLog is a JSON-lines file of runs and rejected events; empty
	// disables auditing.
	AuditLog string `json:"audit_log" mapstructure:"audit_log"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one set of provider credentials. Lower Priority values are
// tried first when a backend has several profiles.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// BackendConfig names one model endpoint pool with its own concurrency budget.
type BackendConfig struct {
	ID          string   `json:"id" mapstructure:"id"`
	Provider    string   `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini, ollama
	Model       string   `json:"model" mapstructure:"model"`
	BaseURL     string   `json:"base_url" mapstructure:"base_url"`
	Concurrency int      `json:"concurrency" mapstructure:"concurrency"`
	Profiles    []string `json:"profiles" mapstructure:"profiles"`
	MaxRetries  int      `json:"max_retries" mapstructure:"max_retries"`
}

// QueueConfig controls the per-backend request queue.
type QueueConfig struct {
	DefaultConcurrency int           `json:"default_concurrency" mapstructure:"default_concurrency"`
	AcquireTimeout     time.Duration `json:"acquire_timeout" mapstructure:"acquire_timeout"`
	// SerializeSessions runs events of one session one at a time.
	SerializeSessions bool `json:"serialize_sessions" mapstructure:"serialize_sessions"`
}

// DedupConfig controls the inbound event filter.
type DedupConfig struct {
	Window        time.Duration `json:"window" mapstructure:"window"`
	// Bucket folds the transport send time into content fingerprints. Zero
	// leaves time out; otherwise it must be at least Window.
	Bucket        time.Duration `json:"bucket" mapstructure:"bucket"`
	SweepSchedule string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	// Fingerprint is "content" (hash of session, sender, content and time
	// bucket) or "message_id" (transport message id when present).
	Fingerprint string `json:"fingerprint" mapstructure:"fingerprint"`
}

// LoopConfig holds the execution loop defaults.
type LoopConfig struct {
	MaxIterations    int           `json:"max_iterations" mapstructure:"max_iterations"`
	CountMode        string        `json:"count_mode" mapstructure:"count_mode"` // rounds, tool_calls
	ErrorPrefix      string        `json:"error_prefix" mapstructure:"error_prefix"`
	EmptyInputPrompt string        `json:"empty_input_prompt" mapstructure:"empty_input_prompt"`
	IncompleteNote   string        `json:"incomplete_note" mapstructure:"incomplete_note"`
	NudgePrompt      string        `json:"nudge_prompt" mapstructure:"nudge_prompt"`
	SystemPrompt     string        `json:"system_prompt" mapstructure:"system_prompt"`
	MaxDepth         int           `json:"max_depth" mapstructure:"max_depth"`
	ParallelTools    int           `json:"parallel_tools" mapstructure:"parallel_tools"`
	ToolTimeout      time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	MaxToolOutput    int           `json:"max_tool_output" mapstructure:"max_tool_output"`
}

// ToolsConfig configures the built-in tools. File tools are only registered
// when WorkspaceRoot is set.
type ToolsConfig struct {
	WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`
	Timezone      string `json:"timezone" mapstructure:"timezone"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	Name          string           `json:"name" mapstructure:"name" yaml:"name"`
	Description   string           `json:"description" mapstructure:"description" yaml:"description"`
	Backend       string           `json:"backend" mapstructure:"backend" yaml:"backend"`
	SystemPrompt  string           `json:"system_prompt" mapstructure:"system_prompt" yaml:"system_prompt"`
	Tools         ToolPolicyConfig `json:"tools" mapstructure:"tools" yaml:"tools"`
	MaxIterations int              `json:"max_iterations" mapstructure:"max_iterations" yaml:"max_iterations"`
	Temperature   float64          `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int              `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
	// Callable registers the agent so other agents can invoke it as a tool.
	Callable bool `json:"callable" mapstructure:"callable" yaml:"callable"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow" yaml:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny" yaml:"deny"`
}

// ScheduleConfig sends Message to Agent whenever Spec fires.
type ScheduleConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Spec     string `json:"spec" mapstructure:"spec"`
	Timezone string `json:"timezone" mapstructure:"timezone"`
	Agent    string `json:"agent" mapstructure:"agent"`
	Session  string `json:"session" mapstructure:"session"`
	Message  string `json:"message" mapstructure:"message"`
}

// ModerationConfig rejects inbound messages and withholds replies that
// contain blocked content.
type ModerationConfig struct {
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
	Agent     string  `json:"agent" mapstructure:"agent"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	Agent        string `json:"agent" mapstructure:"agent"`
	// TickInterval spaces keepalive events to websocket clients.
	TickInterval      time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	RequestsPerMinute int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// StorageConfig controls the sqlite run store.
type StorageConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
	// Retention prunes runs older than this; zero keeps everything.
	Retention time.Duration `json:"retention" mapstructure:"retention"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Backends: []BackendConfig{},
		Queue: QueueConfig{
			DefaultConcurrency: 1,
			AcquireTimeout:     2 * time.Minute,
			SerializeSessions:  true,
		},
		Dedup: DedupConfig{
			Window:        5 * time.Second,
			SweepSchedule: "@every 1m",
			Fingerprint:   "content",
		},
		Loop: LoopConfig{
			MaxIterations:    10,
			CountMode:        "rounds",
			ErrorPrefix:      "Error: ",
			EmptyInputPrompt: "请提供您的查询需求",
			IncompleteNote:   "[incomplete: iteration limit reached before a final answer]",
			NudgePrompt:      "Your previous reply was empty. Answer the user or call a tool.",
			SystemPrompt:     "You are a helpful assistant. Use the available tools when they help, and call the end tool once the conversation is finished.",
			MaxDepth:         3,
			ParallelTools:    1,
			ToolTimeout:      30 * time.Second,
			MaxToolOutput:    10 * 1024,
		},
		Agents: []AgentConfig{},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8080,
			TickInterval:      30 * time.Second,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Storage: StorageConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			SampleRatio: 1,
		},
		Logging: logger.DefaultConfig(),
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Backend returns the backend with the given id.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Profile returns the AI profile with the given id.
func (c *Config) Profile(id string) (AIProfile, bool) {
	for _, p := range c.AI.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return AIProfile{}, false
}

// Agent returns the agent with the given name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

func (c *Config) entryAgent(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := c.Agent(name); !ok {
		return fmt.Errorf("unknown agent %q", name)
	}
	return nil
}
