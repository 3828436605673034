package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	validProviders  = []string{"anthropic", "openai", "gemini", "ollama"}
	validCountModes = []string{"rounds", "tool_calls"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validPrints     = []string{"content", "message_id"}

	telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	agentNamePattern     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "ollama" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("provider", provider, validProviders)
}

func (v *Validator) ValidateCountMode(mode string) error {
	return oneOf("count mode", mode, validCountModes)
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, validLogLevels)
}

// ValidateSchedule checks a cron spec such as "@every 1m" or "*/5 * * * *".
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateAgentName enforces names usable as tool names by every provider.
func (v *Validator) ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid agent name %q", name)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	profiles := make(map[string]bool, len(cfg.AI.Profiles))
	for i, p := range cfg.AI.Profiles {
		if p.ID == "" {
			add(fmt.Errorf("ai profile %d: id is required", i))
			continue
		}
		if profiles[p.ID] {
			add(fmt.Errorf("ai profile %s: duplicate id", p.ID))
		}
		profiles[p.ID] = true
		if err := v.ValidateProvider(p.Provider); err != nil {
			add(fmt.Errorf("ai profile %s: %w", p.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			add(fmt.Errorf("ai profile %s: %w", p.ID, err))
		}
	}

	if len(cfg.Backends) == 0 {
		add(fmt.Errorf("at least one backend must be configured"))
	}
	backends := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.ID == "" {
			add(fmt.Errorf("backend %d: id is required", i))
			continue
		}
		if backends[b.ID] {
			add(fmt.Errorf("backend %s: duplicate id", b.ID))
		}
		backends[b.ID] = true
		if err := v.ValidateProvider(b.Provider); err != nil {
			add(fmt.Errorf("backend %s: %w", b.ID, err))
		}
		if b.Model == "" {
			add(fmt.Errorf("backend %s: model is required", b.ID))
		}
		if b.Concurrency < 0 {
			add(fmt.Errorf("backend %s: concurrency must be >= 0", b.ID))
		}
		if b.Provider != "ollama" && len(b.Profiles) == 0 {
			add(fmt.Errorf("backend %s: at least one ai profile is required", b.ID))
		}
		for _, pid := range b.Profiles {
			p, ok := cfg.Profile(pid)
			if !ok {
				add(fmt.Errorf("backend %s: unknown ai profile %q", b.ID, pid))
				continue
			}
			if p.Provider != b.Provider {
				add(fmt.Errorf("backend %s: profile %s is for provider %s", b.ID, pid, p.Provider))
			}
		}
	}

	if cfg.Queue.DefaultConcurrency < 1 {
		add(fmt.Errorf("queue.default_concurrency must be >= 1"))
	}
	if cfg.Queue.AcquireTimeout < 0 {
		add(fmt.Errorf("queue.acquire_timeout must be >= 0"))
	}

	if cfg.Dedup.Window <= 0 {
		add(fmt.Errorf("dedup.window must be positive"))
	}
	if cfg.Dedup.Bucket < 0 {
		add(fmt.Errorf("dedup.bucket must be >= 0"))
	} else if cfg.Dedup.Bucket > 0 && cfg.Dedup.Bucket < cfg.Dedup.Window {
		add(fmt.Errorf("dedup.bucket must be 0 or at least dedup.window (%s)", cfg.Dedup.Window))
	}
	add(v.ValidateSchedule(cfg.Dedup.SweepSchedule))
	add(oneOf("dedup fingerprint", cfg.Dedup.Fingerprint, validPrints))

	if cfg.Loop.MaxIterations < 1 {
		add(fmt.Errorf("loop.max_iterations must be >= 1"))
	}
	add(v.ValidateCountMode(cfg.Loop.CountMode))
	if cfg.Loop.MaxDepth < 0 {
		add(fmt.Errorf("loop.max_depth must be >= 0"))
	}
	if cfg.Loop.ParallelTools < 1 {
		add(fmt.Errorf("loop.parallel_tools must be >= 1"))
	}

	if len(cfg.Agents) == 0 {
		add(fmt.Errorf("at least one agent must be configured"))
	}
	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if err := v.ValidateAgentName(a.Name); err != nil {
			add(err)
			continue
		}
		if agents[a.Name] {
			add(fmt.Errorf("agent %s: duplicate name", a.Name))
		}
		agents[a.Name] = true
		if !backends[a.Backend] {
			add(fmt.Errorf("agent %s: unknown backend %q", a.Name, a.Backend))
		}
		if a.Callable && a.Description == "" {
			add(fmt.Errorf("agent %s: callable agents need a description", a.Name))
		}
		if a.MaxIterations < 0 {
			add(fmt.Errorf("agent %s: max_iterations must be >= 0", a.Name))
		}
	}
	add(cfg.entryAgent(cfg.DefaultAgent))

	schedules := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if sc.ID == "" {
			add(fmt.Errorf("schedule %d: id is required", i))
			continue
		}
		if schedules[sc.ID] {
			add(fmt.Errorf("schedule %s: duplicate id", sc.ID))
		}
		schedules[sc.ID] = true
		if _, err := cron.ParseStandard(sc.Spec); err != nil {
			add(fmt.Errorf("schedule %s: invalid spec %q: %w", sc.ID, sc.Spec, err))
		}
		if sc.Timezone != "" {
			if _, err := time.LoadLocation(sc.Timezone); err != nil {
				add(fmt.Errorf("schedule %s: %w", sc.ID, err))
			}
		}
		if sc.Message == "" {
			add(fmt.Errorf("schedule %s: message is required", sc.ID))
		}
		if err := cfg.entryAgent(sc.Agent); err != nil {
			add(fmt.Errorf("schedule %s: %w", sc.ID, err))
		}
	}

	for _, p := range cfg.Moderation.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			add(fmt.Errorf("moderation pattern %q: %w", p, err))
		}
	}

	if cfg.Telegram.Enabled {
		add(v.ValidateTelegramToken(cfg.Telegram.BotToken))
		add(cfg.entryAgent(cfg.Telegram.Agent))
	}
	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
		}
		add(cfg.entryAgent(cfg.Gateway.Agent))
	}
	if tz := cfg.Tools.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("tools.timezone: %w", err))
		}
	}
	if cfg.Storage.Retention < 0 {
		add(fmt.Errorf("storage.retention must be >= 0"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add(fmt.Errorf("tracing.sample_ratio must be within [0, 1]"))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
