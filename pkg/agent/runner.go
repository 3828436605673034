package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/toolexecutor"
)

const tracerName = "parley.agent"

// LoopConfig holds the loop-wide settings. Agents may override the ceiling.
type LoopConfig struct {
	MaxIterations int
	CountMode     CountMode
	// ErrorPrefix starts every tool turn that reports a failure.
	ErrorPrefix string
	// EmptyInputPrompt replaces blank user input.
	EmptyInputPrompt string
	// IncompleteNote is appended to the result of a run that hit the ceiling.
	IncompleteNote string
	// NudgePrompt is sent after a reply with neither text nor tool calls.
	NudgePrompt  string
	SystemPrompt string
	// MaxDepth bounds agent-as-tool nesting. Top-level runs have depth 0.
	MaxDepth int
	// ParallelTools is the number of tool calls of one round run at once.
	ParallelTools int
	// AcquireTimeout bounds the wait for a backend slot; zero waits forever.
	AcquireTimeout time.Duration
}

// DefaultLoopConfig returns the loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:    10,
		CountMode:        CountRounds,
		ErrorPrefix:      "Error: ",
		EmptyInputPrompt: "请提供您的查询需求",
		IncompleteNote:   "[incomplete: iteration limit reached before a final answer]",
		NudgePrompt:      "Your last reply was empty. Answer the user or call a tool.",
		SystemPrompt:     "You are a helpful assistant. Use the available tools when they help, and call end when the task is finished.",
		MaxDepth:         3,
		ParallelTools:    1,
		AcquireTimeout:   2 * time.Minute,
	}
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, result *RunResult) error
}

// Recorders fans a finished run out to every recorder in order.
type Recorders []RunRecorder

func (rs Recorders) RecordRun(ctx context.Context, result *RunResult) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordRun(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config wires a Runner to its collaborators.
type Config struct {
	Caller ModelCaller
	Queue  *commandqueue.CommandQueue
	// Tools is the atomic tool catalog. Agents get a catalog of their own.
	Tools      toolexecutor.Catalog
	Dispatcher toolexecutor.DispatcherOptions
	Loop       LoopConfig
	Recorder   RunRecorder
	Metrics    *metrics.Metrics
	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Runner drives agent execution runs.
type Runner struct {
	caller     ModelCaller
	queue      *commandqueue.CommandQueue
	tools      toolexecutor.Catalog
	agentTools *toolexecutor.Registry
	dispatcher *toolexecutor.Dispatcher
	recorder   RunRecorder
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu     sync.RWMutex
	loop   LoopConfig
	agents map[string]Agent
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("model caller is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = toolexecutor.NewRegistry(toolexecutor.KindTool)
	}
	if cfg.Dispatcher.Metrics == nil {
		cfg.Dispatcher.Metrics = cfg.Metrics
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	agentTools := toolexecutor.NewRegistry(toolexecutor.KindAgent)
	dispatcher, err := toolexecutor.NewDispatcher(cfg.Tools, agentTools, cfg.Dispatcher)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		caller:     cfg.Caller,
		queue:      cfg.Queue,
		tools:      cfg.Tools,
		agentTools: agentTools,
		dispatcher: dispatcher,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		logger:     logger.With().Str("component", "agent").Logger(),
		agents:     make(map[string]Agent),
	}
	r.SetLoopConfig(cfg.Loop)
	return r, nil
}

// SetLoopConfig replaces the loop settings. Zero values take defaults.
func (r *Runner) SetLoopConfig(loop LoopConfig) {
	def := DefaultLoopConfig()
	if loop.MaxIterations <= 0 {
		loop.MaxIterations = def.MaxIterations
	}
	if loop.CountMode == "" {
		loop.CountMode = def.CountMode
	}
	if loop.ErrorPrefix == "" {
		loop.ErrorPrefix = def.ErrorPrefix
	}
	if loop.EmptyInputPrompt == "" {
		loop.EmptyInputPrompt = def.EmptyInputPrompt
	}
	if loop.IncompleteNote == "" {
		loop.IncompleteNote = def.IncompleteNote
	}
	if loop.NudgePrompt == "" {
		loop.NudgePrompt = def.NudgePrompt
	}
	if loop.SystemPrompt == "" {
		loop.SystemPrompt = def.SystemPrompt
	}
	if loop.MaxDepth < 0 {
		loop.MaxDepth = 0
	}
	if loop.ParallelTools <= 0 {
		loop.ParallelTools = 1
	}
	r.mu.Lock()
	r.loop = loop
	r.mu.Unlock()
}

// LoopConfig returns the current loop settings.
func (r *Runner) LoopConfig() LoopConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loop
}

// Dispatcher returns the dispatcher over tools and callable agents.
func (r *Runner) Dispatcher() *toolexecutor.Dispatcher { return r.dispatcher }

// RegisterAgent adds an agent. Callable agents are also registered as tools
// taking a single "input" argument.
func (r *Runner) RegisterAgent(a Agent) error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.Backend == "" {
		return fmt.Errorf("agent %s: backend is required", a.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name]; exists {
		return &toolexecutor.DuplicateNameError{Kind: toolexecutor.KindAgent, Name: a.Name}
	}

	if a.Callable {
		if _, err := r.tools.Resolve(a.Name); err == nil {
			return &toolexecutor.DuplicateNameError{Kind: toolexecutor.KindAgent, Name: a.Name}
		}
		err := r.agentTools.Register(toolexecutor.ToolDefinition{
			Name:        a.Name,
			Description: a.Description,
			Kind:        toolexecutor.KindAgent,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "input", Type: "string", Description: "The task or question for this agent", Required: true},
			},
			Handler: r.agentHandler(a.Name),
		})
		if err != nil {
			return err
		}
	}
	r.agents[a.Name] = a
	return nil
}

// Agent returns a registered agent.
func (r *Runner) Agent(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// agentHandler runs a nested loop for the named agent. The depth comes from
// the caller's execution context. The nested run collects its own end
// summaries; the parent only sees its text.
func (r *Runner) agentHandler(name string) toolexecutor.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		input, _ := params["input"].(string)
		req := RunRequest{Agent: name, Input: input}
		if parent := toolexecutor.ExecContextFromContext(ctx); parent != nil {
			req.SessionID = parent.SessionID
			req.Sender = parent.Sender
			req.Transport = parent.Transport
		}
		result, err := r.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		return result.Text, nil
	}
}

// run is the mutable state of one execution.
type run struct {
	agent      Agent
	loop       LoopConfig
	ceiling    int
	result     *RunResult
	transcript []Message
	narrative  []string
	manifest   []*toolexecutor.ToolDefinition
	exec       *toolexecutor.ExecutionContext
	logger     zerolog.Logger
}

// Run executes one agent run to completion. A run that ends at the ceiling
// is not an error; its result has StatusCeilingReached. Queue and model
// failures return the failed result together with the error.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	a, ok := r.Agent(req.Agent)
	if !ok {
		return nil, &UnknownAgentError{Name: req.Agent}
	}
	loop := r.LoopConfig()

	depth := 0
	if parent := toolexecutor.ExecContextFromContext(ctx); parent != nil {
		depth = parent.Depth + 1
	}
	if depth > loop.MaxDepth {
		return nil, &DepthExceededError{Agent: a.Name, Depth: depth, Max: loop.MaxDepth}
	}

	ctx = tracing.NewRunContext(ctx, a.Name)
	ctx = tracing.WithDepth(ctx, depth)
	if req.SessionID != "" {
		ctx = tracing.WithSessionID(ctx, req.SessionID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("agent", a.Name),
		attribute.Int("depth", depth),
	)

	if req.Summaries == nil {
		req.Summaries = toolexecutor.NewSummaryCollector()
	}

	ceiling := loop.MaxIterations
	if a.MaxIterations > 0 {
		ceiling = a.MaxIterations
	}
	if req.MaxIterations > 0 {
		ceiling = req.MaxIterations
	}

	rn := &run{
		agent:   a,
		loop:    loop,
		ceiling: ceiling,
		result: &RunResult{
			RunID:     tracing.GetRunID(ctx),
			Agent:     a.Name,
			SessionID: req.SessionID,
			Depth:     depth,
			StartedAt: time.Now(),
		},
		manifest: r.dispatcher.Manifest(a.Policy, a.Name),
		exec: &toolexecutor.ExecutionContext{
			SessionID: req.SessionID,
			Sender:    req.Sender,
			Agent:     a.Name,
			Depth:     depth,
			Transport: req.Transport,
			Summaries: req.Summaries,
			Control:   &toolexecutor.RunControl{},
			Policy:    a.Policy,
		},
		logger: tracing.LoggerFromContext(ctx, r.logger),
	}

	rn.logger.Info().Int("ceiling", ceiling).Msg("Run started")
	err := r.execute(ctx, rn, req.Input)

	res := rn.result
	res.Transcript = rn.transcript
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	r.metrics.RecordRun(a.Name, string(res.Status), res.Rounds, res.Duration)
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("rounds", res.Rounds),
		attribute.Int("tool_calls", res.ToolCalls),
	)
	tracing.EndSpan(span, err)

	event := rn.logger.Info()
	if err != nil {
		event = rn.logger.Error().Err(err)
	}
	event.Str("status", string(res.Status)).
		Int("rounds", res.Rounds).
		Int("tool_calls", res.ToolCalls).
		Dur("duration", res.Duration).
		Msg("Run finished")

	if r.recorder != nil {
		if recErr := r.recorder.RecordRun(tracing.Detach(ctx), res); recErr != nil {
			rn.logger.Warn().Err(recErr).Msg("Failed to record run")
		}
	}
	return res, err
}

func (r *Runner) execute(ctx context.Context, rn *run, input string) error {
	if strings.TrimSpace(input) == "" {
		input = rn.loop.EmptyInputPrompt
	}
	system := rn.agent.SystemPrompt
	if system == "" {
		system = rn.loop.SystemPrompt
	}
	rn.transcript = append(rn.transcript,
		Message{Role: RoleSystem, Content: system},
		Message{Role: RoleUser, Content: input},
	)

	for {
		resp, err := r.callModel(ctx, rn)
		if err != nil {
			return err
		}
		rn.result.Rounds++
		rn.result.Usage.add(resp.Usage)

		rn.transcript = append(rn.transcript, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		text := strings.TrimSpace(resp.Content)
		if text != "" {
			rn.narrative = append(rn.narrative, text)
		}

		if len(resp.ToolCalls) == 0 {
			if text != "" {
				rn.result.Iterations++
				rn.finish(StatusDone, resp.Content)
				return nil
			}
			// An empty reply still costs an iteration in either count mode.
			rn.result.Iterations++
			if rn.result.Iterations >= rn.ceiling {
				rn.finishIncomplete()
				return nil
			}
			rn.logger.Debug().Int("iteration", rn.result.Iterations).Msg("Empty model reply, nudging")
			rn.transcript = append(rn.transcript, Message{Role: RoleUser, Content: rn.loop.NudgePrompt})
			continue
		}

		before := rn.exec.Summaries.Len()
		results := r.dispatchBatch(ctx, rn, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			rn.transcript = append(rn.transcript, toolTurn(tc, results[i], rn.loop.ErrorPrefix))
		}
		rn.result.ToolCalls += len(resp.ToolCalls)

		if rn.loop.CountMode == CountToolCalls {
			rn.result.Iterations += len(resp.ToolCalls)
		} else {
			rn.result.Iterations++
		}

		if rn.exec.Control.EndRequested() {
			added := rn.exec.Summaries.All()
			if len(added) > before {
				added = added[before:]
			} else {
				added = nil
			}
			rn.result.Summaries = added
			final := resp.Content
			if text == "" && len(added) > 0 {
				final = added[len(added)-1]
			}
			rn.finish(StatusDone, final)
			return nil
		}

		if rn.result.Iterations >= rn.ceiling {
			rn.finishIncomplete()
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (rn *run) finish(status Status, text string) {
	rn.result.Status = status
	rn.result.Text = text
}

func (rn *run) finishIncomplete() {
	parts := append([]string{}, rn.narrative...)
	parts = append(parts, rn.loop.IncompleteNote)
	rn.finish(StatusCeilingReached, strings.Join(parts, "\n\n"))
	rn.logger.Warn().Int("iterations", rn.result.Iterations).Int("ceiling", rn.ceiling).Msg("Iteration ceiling reached")
}

// callModel holds a backend slot only for the duration of the model call.
func (r *Runner) callModel(ctx context.Context, rn *run) (*LLMResponse, error) {
	request := LLMRequest{
		Messages:    append([]Message(nil), rn.transcript...),
		Tools:       rn.manifest,
		Temperature: rn.agent.Temperature,
		MaxTokens:   rn.agent.MaxTokens,
	}

	var resp *LLMResponse
	var callErr error
	err := r.queue.Do(ctx, rn.agent.Backend, rn.loop.AcquireTimeout, func(ctx context.Context) error {
		resp, callErr = r.caller.Call(ctx, rn.agent.Backend, request)
		return callErr
	})
	if callErr != nil {
		var mce *ModelCallError
		if errors.As(callErr, &mce) {
			return nil, callErr
		}
		return nil, &ModelCallError{Backend: rn.agent.Backend, Err: callErr}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &ModelCallError{Backend: rn.agent.Backend, Err: fmt.Errorf("empty response")}
	}
	return resp, nil
}

// dispatchBatch runs the round's tool calls, at most ParallelTools at a
// time. Results are indexed like calls.
func (r *Runner) dispatchBatch(ctx context.Context, rn *run, calls []ToolCall) []toolexecutor.Result {
	results := make([]toolexecutor.Result, len(calls))
	if rn.loop.ParallelTools <= 1 || len(calls) == 1 {
		for i, tc := range calls {
			results[i] = r.dispatcher.Execute(ctx, tc.Name, tc.Parameters, rn.exec)
		}
		return results
	}

	sem := make(chan struct{}, rn.loop.ParallelTools)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.dispatcher.Execute(ctx, tc.Name, tc.Parameters, rn.exec)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func toolTurn(tc ToolCall, res toolexecutor.Result, errorPrefix string) Message {
	msg := Message{Role: RoleTool, ToolCallID: tc.ID, ToolName: tc.Name, Content: res.Output}
	if res.Err != nil {
		msg.Content = errorPrefix + describe(res.Err)
		msg.IsError = true
	}
	return msg
}

// describe renders a dispatch failure for the model.
func describe(err error) string {
	var execErr *toolexecutor.ToolExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		return execErr.Err.Error()
	}
	return err.Error()
}
