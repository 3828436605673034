// Package daemon wires configuration into a running parley service: the
// request queue, model backends, tools, agents, deduplicator, run store and
// the ingress channels that feed the engine.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/telegram"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/coretools"
	"github.com/harun/parley/pkg/cron"
	"github.com/harun/parley/pkg/dedup"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/moderation"
	"github.com/harun/parley/pkg/runstore"
	"github.com/harun/parley/pkg/toolexecutor"
)

const shutdownTimeout = 5 * time.Second

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time,omitempty"`
	Uptime    time.Duration `json:"uptime"`
}

// Option customises a Daemon at construction.
type Option func(*options)

type options struct {
	caller      agent.ModelCaller
	telegramBot *telegram.Bot
	noPIDFile   bool
}

// WithModelCaller replaces the provider backends built from the config.
func WithModelCaller(caller agent.ModelCaller) Option {
	return func(o *options) { o.caller = caller }
}

// WithTelegramBot supplies the bot used when telegram is enabled instead of
// authenticating with the configured token.
func WithTelegramBot(bot *telegram.Bot) Option {
	return func(o *options) { o.telegramBot = bot }
}

// WithoutPIDFile skips the PID file so a short-lived in-process daemon can
// run next to a serving one.
func WithoutPIDFile() Option {
	return func(o *options) { o.noPIDFile = true }
}

// Daemon represents the parley service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger
	opts   options

	// Core modules
	metrics  *metrics.Metrics
	queue    *commandqueue.CommandQueue
	sessions *commandqueue.CommandQueue
	backends *agent.Backends
	tools    *toolexecutor.Registry
	runner   *agent.Runner
	dedup    *dedup.Deduplicator
	store    *runstore.Store
	audit    *observability.AuditLogger
	engine   *Engine

	// Ingress
	channelRegistry *channels.Registry
	direct          *channels.DirectChannel
	gatewayServer   *gateway.Server
	telegramBot     *telegram.Bot
	scheduler       *cron.Scheduler

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     log.Component("daemon"),
		metrics: metrics.NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(&d.opts)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("parley", cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeChannels(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize channels: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// abort releases what a failed New had already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.store != nil {
		_ = d.store.Close()
	}
	_ = d.audit.Close()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds the engine and everything beneath it.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	d.queue = commandqueue.New(commandqueue.Options{
		DefaultConcurrency: cfg.Queue.DefaultConcurrency,
		Lanes:              laneConcurrency(cfg),
		Metrics:            d.metrics,
	})
	if cfg.Queue.SerializeSessions {
		d.sessions = commandqueue.New(commandqueue.Options{DefaultConcurrency: 1})
	}
	d.log.Info().Strs("lanes", d.queue.Lanes()).Msg("Request queue initialized")

	caller := d.opts.caller
	if caller == nil {
		d.backends = agent.NewBackends(agent.BackendsOptions{Metrics: d.metrics, Logger: &zl})
		if err := d.addBackends(cfg); err != nil {
			return err
		}
		caller = d.backends
		d.log.Info().Strs("backends", d.backends.IDs()).Msg("Model backends initialized")
	}

	d.tools = toolexecutor.NewRegistry(toolexecutor.KindTool)
	if err := coretools.RegisterCoreTools(d.tools, coretools.Options{
		WorkspaceRoot:   cfg.Tools.WorkspaceRoot,
		DefaultTimezone: cfg.Tools.Timezone,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.log.Info().Int("count", d.tools.Len()).Msg("Core tools registered")

	var recorders agent.Recorders
	if cfg.Storage.Enabled {
		store, err := runstore.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		d.store = store
		recorders = append(recorders, store)
		d.log.Info().Str("path", cfg.Storage.Path).Msg("Run store opened")
	}
	if cfg.AuditLog != "" {
		path := cfg.AuditLog
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		audit, err := observability.NewAuditLogger(path)
		if err != nil {
			return err
		}
		d.audit = audit
		recorders = append(recorders, audit)
		d.log.Info().Str("path", path).Msg("Audit log opened")
	}
	var recorder agent.RunRecorder
	if len(recorders) > 0 {
		recorder = recorders
	}

	filter, err := moderation.New(moderation.Config{
		BlockedKeywords: cfg.Moderation.BlockedKeywords,
		BlockedPatterns: cfg.Moderation.BlockedPatterns,
	})
	if err != nil {
		return fmt.Errorf("failed to build content filter: %w", err)
	}

	runner, err := agent.NewRunner(agent.Config{
		Caller: caller,
		Queue:  d.queue,
		Tools:  d.tools,
		Dispatcher: toolexecutor.DispatcherOptions{
			Timeout:   cfg.Loop.ToolTimeout,
			MaxOutput: cfg.Loop.MaxToolOutput,
		},
		Loop:     loopConfig(cfg),
		Recorder: recorder,
		Metrics:  d.metrics,
		Logger:   &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner

	for _, ac := range cfg.Agents {
		if err := d.runner.RegisterAgent(toAgent(ac)); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", ac.Name, err)
		}
	}
	d.log.Info().Int("count", len(cfg.Agents)).Str("default", cfg.DefaultAgent).Msg("Agents registered")

	d.dedup = dedup.New(cfg.Dedup.Window, dedup.WithMetrics(d.metrics))
	d.engine, err = NewEngine(EngineConfig{
		Runner:        d.runner,
		Dedup:         d.dedup,
		Fingerprinter: dedup.NewFingerprinter(cfg.Dedup.Fingerprint, cfg.Dedup.Bucket),
		Sessions:      d.sessions,
		DefaultAgent:  cfg.DefaultAgent,
		Filter:        filter,
		Audit:         d.audit,
		Metrics:       d.metrics,
		Logger:        &zl,
	})
	return err
}

func (d *Daemon) addBackends(cfg *config.Config) error {
	for _, bc := range cfg.Backends {
		spec := agent.BackendSpec{
			ID:         bc.ID,
			Provider:   bc.Provider,
			Model:      bc.Model,
			BaseURL:    bc.BaseURL,
			MaxRetries: bc.MaxRetries,
		}
		for _, pid := range bc.Profiles {
			p, ok := cfg.Profile(pid)
			if !ok {
				return fmt.Errorf("backend %s: unknown ai profile %q", bc.ID, pid)
			}
			spec.Profiles = append(spec.Profiles, agent.AuthProfile{
				ID:       p.ID,
				Provider: p.Provider,
				APIKey:   p.APIKey,
				Priority: p.Priority,
			})
		}
		if err := d.backends.Add(spec); err != nil {
			return err
		}
	}
	return nil
}

// laneConcurrency maps each backend to its slot budget. Backends without
// one get the queue default.
func laneConcurrency(cfg *config.Config) map[string]int {
	lanes := make(map[string]int, len(cfg.Backends))
	for _, b := range cfg.Backends {
		n := b.Concurrency
		if n <= 0 {
			n = cfg.Queue.DefaultConcurrency
		}
		lanes[b.ID] = n
	}
	return lanes
}

func loopConfig(cfg *config.Config) agent.LoopConfig {
	return agent.LoopConfig{
		MaxIterations:    cfg.Loop.MaxIterations,
		CountMode:        agent.CountMode(cfg.Loop.CountMode),
		ErrorPrefix:      cfg.Loop.ErrorPrefix,
		EmptyInputPrompt: cfg.Loop.EmptyInputPrompt,
		IncompleteNote:   cfg.Loop.IncompleteNote,
		NudgePrompt:      cfg.Loop.NudgePrompt,
		SystemPrompt:     cfg.Loop.SystemPrompt,
		MaxDepth:         cfg.Loop.MaxDepth,
		ParallelTools:    cfg.Loop.ParallelTools,
		AcquireTimeout:   cfg.Queue.AcquireTimeout,
	}
}

func toAgent(ac config.AgentConfig) agent.Agent {
	a := agent.Agent{
		Name:          ac.Name,
		Description:   ac.Description,
		Backend:       ac.Backend,
		SystemPrompt:  ac.SystemPrompt,
		MaxIterations: ac.MaxIterations,
		Temperature:   ac.Temperature,
		MaxTokens:     ac.MaxTokens,
		Callable:      ac.Callable,
	}
	switch {
	case len(ac.Tools.Allow) > 0:
		a.Policy = &toolexecutor.ToolPolicy{Allow: ac.Tools.Allow, Deny: ac.Tools.Deny}
	case len(ac.Tools.Deny) > 0:
		a.Policy = &toolexecutor.ToolPolicy{Allow: []string{"*"}, Deny: ac.Tools.Deny}
	}
	return a
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting parley daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.dedup.StartSweeper(d.config.Dedup.SweepSchedule); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start dedup sweeper: %w", err)
	}

	if err := d.channelRegistry.StartAll(d.ctx); err != nil {
		d.setStopped()
		d.dedup.Stop()
		_ = d.channelRegistry.StopAll(context.Background())
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start ingress channels: %w", err)
	}
	logger.Info().Strs("channels", d.channelRegistry.Names()).Msg("Ingress channels started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon gracefully: channels stop taking events, in-flight
// runs get shutdownTimeout to release their slots, then the queues close.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping parley daemon")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.channelRegistry.StopAll(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop ingress channels")
	}

	d.eventLoop.HandleShutdown()

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close request queue")
	}
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session queue")
		}
	}
	d.dedup.Stop()

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close run store")
		}
	}
	if err := d.audit.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit log")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Engine returns the event engine.
func (d *Daemon) Engine() *Engine { return d.engine }

// Queue returns the per-backend request queue.
func (d *Daemon) Queue() *commandqueue.CommandQueue { return d.queue }

// Runner returns the agent runner.
func (d *Daemon) Runner() *agent.Runner { return d.runner }

// Store returns the run store, or nil when storage is disabled.
func (d *Daemon) Store() *runstore.Store { return d.store }

// Metrics returns the daemon's metrics.
func (d *Daemon) Metrics() *metrics.Metrics { return d.metrics }

// Channels returns the ingress channel registry.
func (d *Daemon) Channels() *channels.Registry { return d.channelRegistry }

// Gateway returns the gateway server, or nil when it is disabled.
func (d *Daemon) Gateway() *gateway.Server { return d.gatewayServer }

// Scheduler returns the cron channel, nil when no schedules are configured.
func (d *Daemon) Scheduler() *cron.Scheduler { return d.scheduler }
