package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/channels"
)

// Options configures a Scheduler.
type Options struct {
	// Location is used for jobs without a Timezone. Defaults to time.Local.
	Location *time.Location
	Logger   *zerolog.Logger
	Now      func() time.Time
}

type entry struct {
	job      Job
	id       cron.EntryID
	state    JobState
	inFlight bool
}

// Scheduler is an ingress channel that dispatches each job's message when
// its schedule fires. A job still running when it fires again is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	dispatch channels.DispatchFunc
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ channels.Channel = (*Scheduler)(nil)

// NewScheduler validates every job and returns a stopped scheduler.
func NewScheduler(jobs []Job, opts Options) (*Scheduler, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		logger:  logger.With().Str("component", "cron").Logger(),
		now:     now,
		entries: make(map[string]*entry, len(jobs)),
	}

	for _, job := range jobs {
		if job.ID == "" {
			return nil, fmt.Errorf("job id is required")
		}
		if _, dup := s.entries[job.ID]; dup {
			return nil, fmt.Errorf("job %s: duplicate id", job.ID)
		}
		if job.Message == "" {
			return nil, fmt.Errorf("job %s: message is required", job.ID)
		}
		e := &entry{job: job}
		id, err := s.cron.AddFunc(job.spec(), func() { s.fire(e.job.ID, s.now()) })
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule %q: %w", job.ID, job.Spec, err)
		}
		e.id = id
		s.entries[job.ID] = e
	}
	return s, nil
}

// Name returns the channel name.
func (s *Scheduler) Name() string { return ChannelName }

// Start begins firing jobs into dispatch until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	s.mu.Lock()
	if s.dispatch != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.dispatch = dispatch
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop halts the timer, cancels in-flight runs and waits for them up to
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.dispatch == nil {
		s.mu.Unlock()
		return nil
	}
	s.dispatch = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow fires a job immediately, outside its schedule. It returns once the
// run has finished.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	running := s.dispatch != nil
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	if !running {
		return channels.ErrChannelStopped
	}
	s.fire(id, s.now())
	return nil
}

// Jobs returns every job with its state, sorted by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.state
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.NextRunAt = next
		}
		out = append(out, JobStatus{Job: e.job, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

func (s *Scheduler) fire(id string, at time.Time) {
	s.mu.Lock()
	e := s.entries[id]
	dispatch, ctx := s.dispatch, s.ctx
	if dispatch == nil {
		s.mu.Unlock()
		return
	}
	if e.inFlight {
		e.state.LastStatus = StatusSkipped
		s.mu.Unlock()
		s.logger.Warn().Str("job", id).Msg("Previous run still in flight, skipping")
		return
	}
	e.inFlight = true
	s.wg.Add(1)
	job := e.job
	s.mu.Unlock()
	defer s.wg.Done()

	msg := channels.InboundMessage{
		Channel:   ChannelName,
		SessionID: job.session(),
		Sender:    "cron:" + job.ID,
		MessageID: job.ID + "@" + at.UTC().Format(time.RFC3339Nano),
		Content:   job.Message,
		SentAt:    at,
		Agent:     job.Agent,
		Metadata:  map[string]string{"job_id": job.ID},
	}
	out := dispatch(ctx, msg)
	took := s.now().Sub(at)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.inFlight = false
	e.state.LastRunAt = at
	e.state.LastDuration = took
	e.state.LastRunID = out.RunID

	switch {
	case !out.Accepted:
		e.state.LastStatus = StatusSkipped
		e.state.LastError = "dropped as duplicate"
	case out.Err != nil || out.Status == agent.StatusFailed:
		e.state.Runs++
		e.state.LastStatus = StatusError
		e.state.ConsecutiveErrors++
		if out.Err != nil {
			e.state.LastError = out.Err.Error()
		}
		s.logger.Error().Err(out.Err).Str("job", job.ID).Msg("Scheduled run failed")
	default:
		e.state.Runs++
		e.state.LastStatus = StatusOK
		e.state.LastError = ""
		e.state.ConsecutiveErrors = 0
		s.logger.Debug().Str("job", job.ID).Str("run_id", out.RunID).Dur("took", took).Msg("Scheduled run finished")
	}
}
