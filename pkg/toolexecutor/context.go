package toolexecutor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionContext carries the ambient references a handler may need. The
// dispatcher passes it through unchanged.
type ExecutionContext struct {
	SessionID string
	Sender    string
	Agent     string
	// Depth is the agent nesting depth of the calling run, 0 at top level.
	Depth int
	// Transport is the reply handle of the originating channel, if any.
	Transport interface{}

	Summaries *SummaryCollector
	Control   *RunControl
	Policy    *ToolPolicy
	Timeout   time.Duration
}

// SummaryCollector accumulates summaries submitted through the end tool.
type SummaryCollector struct {
	mu    sync.Mutex
	items []string
}

func NewSummaryCollector() *SummaryCollector {
	return &SummaryCollector{}
}

func (c *SummaryCollector) Add(summary string) {
	c.mu.Lock()
	c.items = append(c.items, summary)
	c.mu.Unlock()
}

// All returns a copy of the collected summaries in submission order.
func (c *SummaryCollector) All() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	copy(out, c.items)
	return out
}

func (c *SummaryCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RunControl lets a handler ask the running loop to stop after the current
// batch of tool calls.
type RunControl struct {
	ended atomic.Bool
}

func (rc *RunControl) RequestEnd() { rc.ended.Store(true) }

func (rc *RunControl) EndRequested() bool { return rc.ended.Load() }

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}
