package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "parley.toolexecutor"

	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 10 * 1024
	truncatedMarker  = "\n... [output truncated]"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Timeout bounds a single handler call when the execution context does
	// not set its own. Agents run nested loops, so their calls are bounded
	// by the caller's context only.
	Timeout time.Duration
	// MaxOutput truncates stringified results longer than this many bytes.
	MaxOutput int
	Metrics   *metrics.Metrics
}

// Result is the outcome of one dispatched call.
type Result struct {
	Name      string
	Kind      Kind
	Output    string
	Err       error
	Truncated bool
	Duration  time.Duration
}

// Dispatcher executes calls against a tool registry and an agent registry
// through one interface.
type Dispatcher struct {
	tools  Catalog
	agents Catalog
	opts   DispatcherOptions
}

// NewDispatcher builds a dispatcher over both catalogs. A name present in
// both is rejected with a DuplicateNameError.
func NewDispatcher(tools, agents Catalog, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	d := &Dispatcher{tools: tools, agents: agents, opts: opts}
	if err := d.CheckCollisions(); err != nil {
		return nil, err
	}
	return d, nil
}

// CheckCollisions reports the first name registered as both tool and agent.
func (d *Dispatcher) CheckCollisions() error {
	if d.tools == nil || d.agents == nil {
		return nil
	}
	for _, a := range d.agents.List() {
		if _, err := d.tools.Resolve(a.Name); err == nil {
			return &DuplicateNameError{Kind: KindAgent, Name: a.Name}
		}
	}
	return nil
}

// Resolve looks name up among tools first, then agents.
func (d *Dispatcher) Resolve(name string) (*ToolDefinition, error) {
	for _, c := range []Catalog{d.tools, d.agents} {
		if c == nil {
			continue
		}
		if def, err := c.Resolve(name); err == nil {
			return def, nil
		}
	}
	return nil, &NotFoundError{Name: name}
}

// Manifest lists the definitions policy allows, tools before agents. exclude
// drops one name, typically the calling agent itself.
func (d *Dispatcher) Manifest(policy *ToolPolicy, exclude string) []*ToolDefinition {
	var out []*ToolDefinition
	for _, c := range []Catalog{d.tools, d.agents} {
		if c == nil {
			continue
		}
		for _, def := range c.List() {
			if def.Name == exclude || !policy.IsToolAllowed(def.Name) {
				continue
			}
			out = append(out, def)
		}
	}
	return out
}

// Execute resolves name, validates params and runs the handler with execCtx
// attached to ctx. Failures are returned in Result.Err, never panicked.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]interface{}, execCtx *ExecutionContext) Result {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.execute", attribute.String("tool", name))

	res := d.execute(ctx, name, params, execCtx)
	res.Name = name
	res.Duration = time.Since(start)

	status := "ok"
	var notFound *NotFoundError
	var denied *PolicyError
	switch {
	case errors.As(res.Err, &notFound):
		status = "not_found"
	case errors.As(res.Err, &denied):
		status = "denied"
	case res.Err != nil:
		status = "error"
	}
	d.opts.Metrics.RecordToolCall(name, status, res.Duration)
	span.SetAttributes(attribute.String("status", status))
	tracing.EndSpan(span, res.Err)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if res.Err != nil {
		logger.Warn().Str("tool", name).Dur("duration", res.Duration).Err(res.Err).Msg("Tool call failed")
	} else {
		logger.Debug().Str("tool", name).Dur("duration", res.Duration).Bool("truncated", res.Truncated).Msg("Tool call completed")
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, name string, params map[string]interface{}, execCtx *ExecutionContext) Result {
	if execCtx != nil && !execCtx.Policy.IsToolAllowed(name) {
		return Result{Err: &PolicyError{Name: name, Agent: execCtx.Agent}}
	}

	def, err := d.Resolve(name)
	if err != nil {
		return Result{Err: err}
	}
	res := Result{Kind: def.Kind}

	if params == nil {
		params = map[string]interface{}{}
	}
	if v, ok := d.catalogFor(def).(interface {
		ValidateParams(string, map[string]interface{}) error
	}); ok {
		if err := v.ValidateParams(name, params); err != nil {
			res.Err = &ToolExecutionError{Tool: name, Err: err}
			return res
		}
	}

	callCtx := ContextWithExecContext(ctx, execCtx)
	var cancel context.CancelFunc
	timeout := d.opts.Timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	if def.Kind == KindAgent {
		callCtx, cancel = context.WithCancel(callCtx)
	} else {
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
	}
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := def.Handler(callCtx, params)
		done <- outcome{value: v, err: err}
	}()

	timedOut := func() error {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("timed out after %s", timeout)
		}
		return nil
	}

	select {
	case out := <-done:
		if out.err != nil {
			if err := timedOut(); err != nil {
				out.err = err
			}
			res.Err = &ToolExecutionError{Tool: name, Err: out.err}
			return res
		}
		res.Output, res.Truncated = d.render(out.value)
		return res
	case <-callCtx.Done():
		err := timedOut()
		if err == nil {
			err = callCtx.Err()
		}
		res.Err = &ToolExecutionError{Tool: name, Err: err}
		return res
	}
}

func (d *Dispatcher) catalogFor(def *ToolDefinition) Catalog {
	if def.Kind == KindAgent {
		return d.agents
	}
	return d.tools
}

// render turns a handler result into transcript text. Strings pass through;
// everything else is JSON encoded.
func (d *Dispatcher) render(v interface{}) (string, bool) {
	var s string
	switch val := v.(type) {
	case nil:
		s = ""
	case string:
		s = val
	case []byte:
		s = string(val)
	case fmt.Stringer:
		s = val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(data)
		}
	}

	if len(s) <= d.opts.MaxOutput {
		return s, false
	}
	cut := d.opts.MaxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker, true
}
