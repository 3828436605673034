package daemon

import (
	"slices"

	"github.com/harun/parley/internal/config"
)

// ApplyConfig takes over the live-tunable parts of cfg: backend lane
// concurrency, backend credentials, loop settings, the default agent and
// newly declared agents. Changes to existing agents, channels and storage
// need a restart and are only logged.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	for lane, n := range laneConcurrency(cfg) {
		d.queue.SetConcurrency(lane, n)
	}

	if d.backends != nil {
		if err := d.addBackends(cfg); err != nil {
			d.log.Error().Err(err).Msg("Failed to apply backend changes")
		}
	}

	d.runner.SetLoopConfig(loopConfig(cfg))
	d.engine.SetDefaultAgent(cfg.DefaultAgent)

	for _, ac := range cfg.Agents {
		if _, ok := d.runner.Agent(ac.Name); ok {
			if prev, had := old.Agent(ac.Name); had && !sameAgent(prev, ac) {
				d.log.Warn().Str("agent", ac.Name).Msg("Agent changed; restart to apply")
			}
			continue
		}
		if err := d.runner.RegisterAgent(toAgent(ac)); err != nil {
			d.log.Error().Err(err).Str("agent", ac.Name).Msg("Failed to register agent")
			continue
		}
		d.log.Info().Str("agent", ac.Name).Msg("Agent registered")
	}

	if old.Gateway != cfg.Gateway || old.Storage != cfg.Storage || old.AuditLog != cfg.AuditLog {
		d.log.Warn().Msg("Gateway or storage settings changed; restart to apply")
	}
	if !slices.Equal(old.Schedules, cfg.Schedules) ||
		!slices.Equal(old.Moderation.BlockedKeywords, cfg.Moderation.BlockedKeywords) ||
		!slices.Equal(old.Moderation.BlockedPatterns, cfg.Moderation.BlockedPatterns) {
		d.log.Warn().Msg("Schedules or moderation changed; restart to apply")
	}
	d.log.Info().Msg("Configuration applied")
}

func sameAgent(a, b config.AgentConfig) bool {
	return a.Backend == b.Backend &&
		a.SystemPrompt == b.SystemPrompt &&
		a.Description == b.Description &&
		a.MaxIterations == b.MaxIterations &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.Callable == b.Callable &&
		slices.Equal(a.Tools.Allow, b.Tools.Allow) &&
		slices.Equal(a.Tools.Deny, b.Tools.Deny)
}
