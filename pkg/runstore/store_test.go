package runstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/agent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, session string, started time.Time) *agent.RunResult {
	return &agent.RunResult{
		RunID:      id,
		Agent:      "support",
		SessionID:  session,
		Status:     agent.StatusDone,
		Text:       "Your order ships Monday.",
		Iterations: 2,
		Rounds:     2,
		ToolCalls:  1,
		Transcript: []agent.Message{
			{Role: agent.RoleSystem, Content: "You help customers."},
			{Role: agent.RoleUser, Content: "where is my order"},
			{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "c1", Name: "lookup", Parameters: map[string]interface{}{"id": "42"}}}},
			{Role: agent.RoleTool, ToolCallID: "c1", ToolName: "lookup", Content: "shipping monday"},
			{Role: agent.RoleAssistant, Content: "Your order ships Monday."},
		},
		Usage:     agent.TokenUsage{InputTokens: 120, OutputTokens: 30},
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}
}

func TestRecordAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, sampleRun("r1", "chat-1", started)))

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "support", rec.Agent)
	assert.Equal(t, "chat-1", rec.SessionID)
	assert.Equal(t, agent.StatusDone, rec.Status)
	assert.Equal(t, "Your order ships Monday.", rec.Result)
	assert.Equal(t, 2, rec.Iterations)
	assert.Equal(t, 1, rec.ToolCalls)
	assert.Equal(t, 120, rec.Usage.InputTokens)
	assert.Equal(t, int64(1500), rec.DurationMs)
	assert.True(t, started.Equal(rec.StartedAt))

	require.Len(t, rec.Transcript, 5)
	assert.Equal(t, "lookup", rec.Transcript[2].ToolCalls[0].Name)
	assert.Equal(t, "c1", rec.Transcript[3].ToolCallID)
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecordRun_Nil(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.RecordRun(context.Background(), nil))
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, sampleRun("r1", "chat-1", base)))
	require.NoError(t, s.RecordRun(ctx, sampleRun("r2", "chat-2", base.Add(time.Minute))))
	require.NoError(t, s.RecordRun(ctx, sampleRun("r3", "chat-1", base.Add(2*time.Minute))))

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)

	chat1, err := s.List(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, chat1, 2)
	assert.Equal(t, "r3", chat1[0].ID)
	assert.Equal(t, "r1", chat1[1].ID)

	limited, err := s.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSummariesForSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	r1 := sampleRun("r1", "chat-1", now)
	r1.Summaries = []string{"Looked up order 42."}
	r2 := sampleRun("r2", "chat-1", now)
	r2.Summaries = []string{"Refund issued.", "Customer satisfied."}
	anonymous := sampleRun("r3", "", now)
	anonymous.Summaries = []string{"ignored"}

	for _, r := range []*agent.RunResult{r1, r2, anonymous} {
		require.NoError(t, s.RecordRun(ctx, r))
	}

	got, err := s.SummariesForSession(ctx, "chat-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Looked up order 42.", got[0].Text)
	assert.Equal(t, "Customer satisfied.", got[2].Text)
	assert.Equal(t, "r2", got[2].RunID)

	latest, err := s.SummariesForSession(ctx, "chat-1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "Refund issued.", latest[0].Text)

	none, err := s.SummariesForSession(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordRun(ctx, sampleRun("old", "", now.Add(-48*time.Hour))))
	require.NoError(t, s.RecordRun(ctx, sampleRun("new", "", now)))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestOpen_FileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordRun(context.Background(), sampleRun("r1", "", time.Now())))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Get(context.Background(), "r1")
	assert.NoError(t, err)
}
