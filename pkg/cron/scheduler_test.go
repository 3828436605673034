package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
)

type dispatchRecorder struct {
	mu   sync.Mutex
	msgs []channels.InboundMessage
	out  func(msg channels.InboundMessage) channels.Outcome
}

func (d *dispatchRecorder) dispatch(ctx context.Context, msg channels.InboundMessage) channels.Outcome {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	if d.out != nil {
		return d.out(msg)
	}
	return channels.Outcome{Accepted: true, Status: agent.StatusDone, RunID: "run-" + msg.MessageID}
}

func (d *dispatchRecorder) messages() []channels.InboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]channels.InboundMessage(nil), d.msgs...)
}

func startScheduler(t *testing.T, jobs []Job, d *dispatchRecorder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(jobs, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), d.dispatch))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestNewScheduler_Validation(t *testing.T) {
	tests := []struct {
		name string
		jobs []Job
		want string
	}{
		{"missing id", []Job{{Spec: "@hourly", Message: "hi"}}, "job id is required"},
		{"duplicate", []Job{{ID: "a", Spec: "@hourly", Message: "hi"}, {ID: "a", Spec: "@daily", Message: "hi"}}, "duplicate id"},
		{"no message", []Job{{ID: "a", Spec: "@hourly"}}, "message is required"},
		{"bad spec", []Job{{ID: "a", Spec: "every hour", Message: "hi"}}, "invalid schedule"},
		{"bad timezone", []Job{{ID: "a", Spec: "0 9 * * *", Timezone: "Mars/Olympus", Message: "hi"}}, "invalid schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(tt.jobs, Options{})
			assert.ErrorContains(t, err, tt.want)
		})
	}

	s, err := NewScheduler([]Job{{ID: "a", Spec: "0 9 * * 1-5", Timezone: "Asia/Jakarta", Message: "standup"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ChannelName, s.Name())
}

func TestScheduler_RunNow(t *testing.T) {
	d := &dispatchRecorder{}
	s := startScheduler(t, []Job{
		{ID: "digest", Spec: "@daily", Agent: "researcher", Message: "summarise the news"},
		{ID: "ping", Spec: "@daily", SessionID: "ops", Message: "ping"},
	}, d)

	require.NoError(t, s.RunNow("digest"))
	require.NoError(t, s.RunNow("ping"))
	assert.ErrorContains(t, s.RunNow("nope"), "unknown job")

	msgs := d.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ChannelName, msgs[0].Channel)
	assert.Equal(t, "researcher", msgs[0].Agent)
	assert.Equal(t, "cron-digest", msgs[0].SessionID)
	assert.Equal(t, "cron:digest", msgs[0].Sender)
	assert.Equal(t, "summarise the news", msgs[0].Content)
	assert.Contains(t, msgs[0].MessageID, "digest@")
	assert.Equal(t, "ops", msgs[1].SessionID)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "digest", jobs[0].Job.ID)
	assert.Equal(t, StatusOK, jobs[0].State.LastStatus)
	assert.Equal(t, 1, jobs[0].State.Runs)
	assert.Equal(t, "run-"+msgs[0].MessageID, jobs[0].State.LastRunID)
	assert.False(t, jobs[0].State.NextRunAt.IsZero())
}

func TestScheduler_FailuresAreCounted(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	d := &dispatchRecorder{out: func(msg channels.InboundMessage) channels.Outcome {
		if fail.Load() {
			return channels.Outcome{Accepted: true, Status: agent.StatusFailed, Err: errors.New("backend down")}
		}
		return channels.Outcome{Accepted: true, Status: agent.StatusDone}
	}}
	s := startScheduler(t, []Job{{ID: "j", Spec: "@daily", Message: "go"}}, d)

	require.NoError(t, s.RunNow("j"))
	require.NoError(t, s.RunNow("j"))
	st := s.Jobs()[0].State
	assert.Equal(t, StatusError, st.LastStatus)
	assert.Equal(t, "backend down", st.LastError)
	assert.Equal(t, 2, st.ConsecutiveErrors)

	fail.Store(false)
	require.NoError(t, s.RunNow("j"))
	st = s.Jobs()[0].State
	assert.Equal(t, StatusOK, st.LastStatus)
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Equal(t, 3, st.Runs)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	d := &dispatchRecorder{out: func(msg channels.InboundMessage) channels.Outcome {
		entered <- struct{}{}
		<-release
		return channels.Outcome{Accepted: true, Status: agent.StatusDone}
	}}
	s := startScheduler(t, []Job{{ID: "slow", Spec: "@daily", Message: "work"}}, d)

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-entered

	require.NoError(t, s.RunNow("slow"))
	assert.Equal(t, StatusSkipped, s.Jobs()[0].State.LastStatus)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, d.messages(), 1)
	assert.Equal(t, StatusOK, s.Jobs()[0].State.LastStatus)
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	d := &dispatchRecorder{}
	startScheduler(t, []Job{{ID: "tick", Spec: "@every 1s", Message: "tick"}}, d)

	assert.Eventually(t, func() bool { return len(d.messages()) >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler([]Job{{ID: "j", Spec: "@daily", Message: "go"}}, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.RunNow("j"), channels.ErrChannelStopped)
	assert.Error(t, s.Start(context.Background(), nil))

	d := &dispatchRecorder{}
	require.NoError(t, s.Start(context.Background(), d.dispatch))
	assert.ErrorContains(t, s.Start(context.Background(), d.dispatch), "already running")

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
	assert.ErrorIs(t, s.RunNow("j"), channels.ErrChannelStopped)
}

func TestScheduler_StopCancelsInFlightRun(t *testing.T) {
	entered := make(chan struct{})
	var sawCancel atomic.Bool
	s, err := NewScheduler([]Job{{ID: "j", Spec: "@daily", Message: "go"}}, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), func(ctx context.Context, msg channels.InboundMessage) channels.Outcome {
		close(entered)
		<-ctx.Done()
		sawCancel.Store(true)
		return channels.Outcome{Accepted: true, Err: ctx.Err()}
	}))

	go func() { _ = s.RunNow("j") }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, sawCancel.Load())
}
