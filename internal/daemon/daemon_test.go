package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/telegram"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/gateway"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Storage.Path = filepath.Join(dir, "runs.db")
	cfg.Tracing.Enabled = false
	cfg.Gateway.Port = 0
	cfg.Gateway.TickInterval = 0
	cfg.AI.Profiles = []config.AIProfile{{ID: "oa", Provider: "openai", APIKey: "sk-test", Priority: 1}}
	cfg.Backends = []config.BackendConfig{
		{ID: "fast", Provider: "openai", Model: "gpt-4o-mini", Concurrency: 3, Profiles: []string{"oa"}},
		{ID: "local", Provider: "ollama", Model: "llama3.2"},
	}
	cfg.Agents = []config.AgentConfig{
		{Name: "assistant", Backend: "fast"},
		{Name: "researcher", Backend: "local", Description: "Looks things up", Callable: true, Tools: config.ToolPolicyConfig{Deny: []string{"end"}}},
	}
	cfg.DefaultAgent = "assistant"
	cfg.Gateway.Agent = "assistant"
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// createTestDaemon creates a daemon whose model calls echo the input.
func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) (*Daemon, *atomic.Int32) {
	t.Helper()
	calls := new(atomic.Int32)
	opts = append([]Option{WithModelCaller(echoCaller(calls))}, opts...)
	d, err := New(cfg, testLogger(t), opts...)
	require.NoError(t, err)
	return d, calls
}

func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		if d.Status().Running {
			_ = d.Stop()
		}
	})
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.store.Close()

	assert.NotNil(t, d.Engine())
	assert.NotNil(t, d.Runner())
	assert.NotNil(t, d.Store())
	assert.NotNil(t, d.Metrics())
	assert.NotNil(t, d.Gateway())
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.sessions)
	assert.Nil(t, d.backends, "model caller option replaces provider backends")

	assert.Equal(t, []string{"cli", "gateway"}, d.Channels().Names())
	assert.Equal(t, 3, d.Queue().Stats()["fast"].Concurrency)
	assert.Equal(t, 1, d.Queue().Stats()["local"].Concurrency)
	assert.Equal(t, "assistant", d.Engine().DefaultAgent())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testLogger(t))
	assert.Error(t, err)
	_, err = New(testConfig(t), nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	_, err = New(cfg, testLogger(t), WithModelCaller(echoCaller(new(atomic.Int32))))
	assert.ErrorContains(t, err, "failed to register agent assistant")
}

func TestNew_BuildsProviderBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = false
	cfg.Gateway.Enabled = false

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NotNil(t, d.backends)
	assert.Equal(t, []string{"fast", "local"}, d.backends.IDs())
	profiles := d.backends.Profiles("fast")
	require.Len(t, profiles, 1)
	assert.Equal(t, "oa", profiles[0].ID)
	assert.Equal(t, "sk-test", profiles[0].APIKey)
	assert.Nil(t, d.Store())
	assert.Equal(t, []string{"cli"}, d.Channels().Names())
}

func TestToAgent(t *testing.T) {
	tests := []struct {
		name      string
		tools     config.ToolPolicyConfig
		wantNil   bool
		allowed   string
		forbidden string
	}{
		{name: "no policy allows everything", wantNil: true},
		{name: "allow list", tools: config.ToolPolicyConfig{Allow: []string{"current_time"}}, allowed: "current_time", forbidden: "end"},
		{name: "deny only", tools: config.ToolPolicyConfig{Deny: []string{"read_file"}}, allowed: "end", forbidden: "read_file"},
		{name: "deny wins", tools: config.ToolPolicyConfig{Allow: []string{"*"}, Deny: []string{"end"}}, allowed: "current_time", forbidden: "end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := toAgent(config.AgentConfig{Name: "x", Backend: "b", MaxIterations: 4, Tools: tt.tools})
			assert.Equal(t, 4, a.MaxIterations)
			if tt.wantNil {
				assert.Nil(t, a.Policy)
				return
			}
			require.NotNil(t, a.Policy)
			assert.True(t, a.Policy.IsToolAllowed(tt.allowed))
			assert.False(t, a.Policy.IsToolAllowed(tt.forbidden))
		})
	}
}

func TestLoopConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.CountMode = "tool_calls"
	cfg.Queue.AcquireTimeout = 7 * time.Second

	loop := loopConfig(cfg)
	assert.Equal(t, agent.CountToolCalls, loop.CountMode)
	assert.Equal(t, 7*time.Second, loop.AcquireTimeout)
	assert.Equal(t, "请提供您的查询需求", loop.EmptyInputPrompt)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.Error(t, d.Start(), "second start must fail")

	pid, err := ReadPID(PIDFile(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "second stop must fail")

	_, err = os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonStatus(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	startDaemon(t, d)
	time.Sleep(10 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
}

func TestDaemonAsk(t *testing.T) {
	d, calls := createTestDaemon(t, testConfig(t))
	startDaemon(t, d)
	ctx := context.Background()

	out, err := d.Ask(ctx, "", "chat-9", "what time is it")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, agent.StatusDone, out.Status)
	assert.Equal(t, "echo: what time is it", out.Text)

	rec, err := d.Store().Get(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "assistant", rec.Agent)
	assert.Equal(t, "chat-9", rec.SessionID)

	dup, err := d.Ask(ctx, "", "chat-9", "what time is it")
	require.NoError(t, err)
	assert.False(t, dup.Accepted)
	assert.Equal(t, int32(1), calls.Load())

	_, err = d.Ask(ctx, "ghost", "chat-9", "anyone?")
	var unknown *agent.UnknownAgentError
	assert.ErrorAs(t, err, &unknown)
}

func TestDaemonAsk_Stopped(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	defer d.store.Close()

	_, err := d.Ask(context.Background(), "", "s", "hello")
	assert.ErrorIs(t, err, channels.ErrChannelStopped)
}

func TestDaemonGateway(t *testing.T) {
	d, _ := createTestDaemon(t, testConfig(t))
	startDaemon(t, d)

	addr := d.Gateway().Addr()
	require.NotEmpty(t, addr)

	body, _ := json.Marshal(gateway.EventRequest{SessionID: "web-1", Sender: "visitor", Content: "hi there"})
	resp, err := http.Post("http://"+addr+"/v1/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out gateway.OutcomeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Accepted)
	assert.Equal(t, "echo: hi there", out.Text)

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(metricsResp.Body)
	assert.Contains(t, buf.String(), `parley_events_total{channel="gateway",outcome="done"} 1`)
}

// fakeTelegramAPI serves updates from a channel and records replies.
type fakeTelegramAPI struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	sent     []tgbotapi.MessageConfig
	stopOnce sync.Once
}

func (f *fakeTelegramAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegramAPI) StopReceivingUpdates() {
	f.stopOnce.Do(func() { close(f.updates) })
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeTelegramAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegramAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func TestDaemonTelegram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = "123:abc"
	cfg.Telegram.Agent = "assistant"

	api := &fakeTelegramAPI{updates: make(chan tgbotapi.Update, 4)}
	bot := telegram.NewWithAPI(api, tgbotapi.User{ID: 999, UserName: "parleybot"}, cfg.Telegram, zerolog.Nop())
	d, calls := createTestDaemon(t, cfg, WithTelegramBot(bot))
	assert.Equal(t, []string{"cli", "gateway", "telegram"}, d.Channels().Names())
	startDaemon(t, d)

	update := tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 42,
			From:      &tgbotapi.User{ID: 7, UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 100, Type: "private"},
			Text:      "hello bot",
			Date:      int(time.Now().Unix()),
		},
	}
	api.updates <- update
	require.Eventually(t, func() bool { return len(api.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	reply := api.messages()[0]
	assert.Equal(t, int64(100), reply.ChatID)
	assert.Equal(t, "echo: hello bot", reply.Text)

	// A redelivered update is dropped without a second reply.
	api.updates <- update
	duplicates := d.Metrics().EventsTotal.WithLabelValues(telegram.ChannelName, "duplicate")
	require.Eventually(t, func() bool { return testutil.ToFloat64(duplicates) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, api.messages(), 1)
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	d, _ := createTestDaemon(t, cfg)
	defer d.store.Close()

	next := testConfig(t)
	next.Backends[0].Concurrency = 8
	next.Loop.MaxIterations = 3
	next.Agents = append(next.Agents, config.AgentConfig{Name: "writer", Backend: "fast"})
	next.DefaultAgent = "writer"

	d.ApplyConfig(next)

	assert.Equal(t, 8, d.Queue().Stats()["fast"].Concurrency)
	assert.Equal(t, 3, d.Runner().LoopConfig().MaxIterations)
	assert.Equal(t, "writer", d.Engine().DefaultAgent())
	_, ok := d.Runner().Agent("writer")
	assert.True(t, ok)
	assert.Same(t, next, d.Config())
}

func TestLaneConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.DefaultConcurrency = 2
	assert.Equal(t, map[string]int{"fast": 3, "local": 2}, laneConcurrency(cfg))
}

func TestDaemonSchedulerAndAudit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Enabled = false
	cfg.AuditLog = "audit.jsonl"
	cfg.Schedules = []config.ScheduleConfig{{ID: "digest", Spec: "@daily", Agent: "researcher", Message: "daily digest"}}
	d, calls := createTestDaemon(t, cfg)
	startDaemon(t, d)

	require.NotNil(t, d.Scheduler())
	assert.Contains(t, d.Channels().Names(), "cron")
	require.NoError(t, d.Scheduler().RunNow("digest"))

	job := d.Scheduler().Jobs()[0]
	assert.Equal(t, "ok", job.State.LastStatus)
	assert.Equal(t, int32(1), calls.Load())

	runs, err := d.Store().List(context.Background(), "cron-digest", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "researcher", runs[0].Agent)
	assert.Equal(t, "echo: daily digest", runs[0].Result)

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"run"`)
	assert.Contains(t, string(data), runs[0].ID)
}
