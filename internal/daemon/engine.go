package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/dedup"
	"github.com/harun/parley/pkg/moderation"
)

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Runner        *agent.Runner
	Dedup         *dedup.Deduplicator
	Fingerprinter dedup.Fingerprinter
	// Sessions, when set, admits events of one session one at a time.
	Sessions     *commandqueue.CommandQueue
	DefaultAgent string
	// Filter rejects blocked inbound content and withholds blocked replies.
	Filter  *moderation.ContentFilter
	Audit   *observability.AuditLogger
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Engine is the inbound event path shared by every channel: the dedup gate,
// optional session admission and one agent run.
type Engine struct {
	runner      *agent.Runner
	dedup       *dedup.Deduplicator
	fingerprint dedup.Fingerprinter
	sessions    *commandqueue.CommandQueue
	filter      *moderation.ContentFilter
	audit       *observability.AuditLogger
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	mu           sync.RWMutex
	defaultAgent string
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Dedup == nil {
		return nil, fmt.Errorf("deduplicator is required")
	}
	if cfg.Fingerprinter == nil {
		cfg.Fingerprinter = dedup.ContentFingerprinter{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{
		runner:       cfg.Runner,
		dedup:        cfg.Dedup,
		fingerprint:  cfg.Fingerprinter,
		sessions:     cfg.Sessions,
		filter:       cfg.Filter,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       logger.With().Str("component", "engine").Logger(),
		now:          cfg.Now,
		defaultAgent: cfg.DefaultAgent,
	}, nil
}

// SetDefaultAgent changes the agent used for events that name none.
func (e *Engine) SetDefaultAgent(name string) {
	e.mu.Lock()
	e.defaultAgent = name
	e.mu.Unlock()
}

// DefaultAgent returns the agent used for events that name none.
func (e *Engine) DefaultAgent() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultAgent
}

func sessionLane(sessionID string) string {
	return "session-" + sessionID
}

// Handle processes one inbound event. A duplicate is answered with
// Accepted=false before any queue is touched. Accepted events run to
// completion; run failures and blocked content are reported in Outcome.Err
// with StatusFailed.
func (e *Engine) Handle(ctx context.Context, msg channels.InboundMessage) channels.Outcome {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewEventContext(ctx, msg.SessionID)
	} else if msg.SessionID != "" {
		ctx = tracing.WithSessionID(ctx, msg.SessionID)
	}
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("channel", msg.Channel).Logger()

	// Only a transport send time goes into the key. Arrival time would split
	// redeliveries of one event across buckets.
	now := e.now()
	fp := e.fingerprint.Fingerprint(dedup.Identity{
		SessionID: msg.SessionID,
		Sender:    msg.Sender,
		MessageID: msg.MessageID,
		Content:   msg.Content,
		Timestamp: msg.SentAt,
	})
	if !e.dedup.Accept(fp, now) {
		e.metrics.RecordEvent(msg.Channel, "duplicate")
		logger.Debug().Str("message_id", msg.MessageID).Msg("Duplicate event dropped")
		e.audit.RecordEvent(ctx, msg.Channel, msg.Sender, "duplicate_dropped", map[string]any{"message_id": msg.MessageID})
		return channels.Outcome{Accepted: false}
	}

	if err := e.filter.Check(msg.Content); err != nil {
		e.metrics.RecordEvent(msg.Channel, "blocked")
		logger.Warn().Err(err).Str("sender", msg.Sender).Msg("Inbound message blocked")
		e.audit.RecordEvent(ctx, msg.Channel, msg.Sender, "blocked", map[string]any{"reason": err.Error()})
		return channels.Outcome{Accepted: true, Status: agent.StatusFailed, Err: err}
	}

	name := msg.Agent
	if name == "" {
		name = e.DefaultAgent()
	}
	req := agent.RunRequest{
		Agent:     name,
		Input:     msg.Content,
		SessionID: msg.SessionID,
		Sender:    msg.Sender,
		Transport: msg,
	}

	var res *agent.RunResult
	run := func(ctx context.Context) error {
		var err error
		res, err = e.runner.Run(ctx, req)
		return err
	}

	var err error
	if e.sessions != nil && msg.SessionID != "" {
		err = e.sessions.Do(ctx, sessionLane(msg.SessionID), 0, run)
	} else {
		err = run(ctx)
	}

	out := channels.Outcome{Accepted: true, Err: err}
	if res != nil {
		out.Status = res.Status
		out.Text = res.Text
		out.RunID = res.RunID
	}
	if err != nil {
		out.Status = agent.StatusFailed
		e.metrics.RecordEvent(msg.Channel, "error")
		logger.Error().Err(err).Str("agent", name).Msg("Event failed")
		return out
	}
	if err := e.filter.Check(out.Text); err != nil {
		logger.Warn().Err(err).Str("run_id", out.RunID).Msg("Reply withheld")
		e.audit.RecordEvent(ctx, msg.Channel, name, "reply_withheld", map[string]any{"run_id": out.RunID, "reason": err.Error()})
		out.Text = moderation.WithheldText
	}
	e.metrics.RecordEvent(msg.Channel, string(out.Status))
	logger.Info().
		Str("agent", name).
		Str("run_id", out.RunID).
		Str("status", string(out.Status)).
		Msg("Event handled")
	return out
}
