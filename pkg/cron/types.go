// Package cron turns scheduled prompts into inbound events, so an agent can
// be woken on a timer the same way a chat message would wake it.
package cron

import "time"

// ChannelName is the channel every scheduled event arrives on.
const ChannelName = "cron"

// Job sends Message to Agent whenever Spec fires.
type Job struct {
	ID string
	// Spec is a standard five-field cron expression or a descriptor such
	// as "@hourly" or "@every 15m".
	Spec string
	// Timezone is an IANA zone name; empty uses the scheduler's location.
	Timezone string
	// Agent is the target agent; empty means the engine default.
	Agent string
	// SessionID groups the job's runs; empty means "cron-<ID>".
	SessionID string
	Message   string
}

func (j Job) session() string {
	if j.SessionID != "" {
		return j.SessionID
	}
	return "cron-" + j.ID
}

func (j Job) spec() string {
	if j.Timezone == "" {
		return j.Spec
	}
	return "CRON_TZ=" + j.Timezone + " " + j.Spec
}

// Run outcomes recorded in JobState.LastStatus.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         time.Time     `json:"next_run_at,omitempty"`
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastRunID         string        `json:"last_run_id,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
}

// JobStatus pairs a job with its runtime state.
type JobStatus struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}
