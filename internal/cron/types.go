// Package cron provides scheduled synthetic agent requests for clawgate.
package cron

import (
	"encoding/json"
	"time"
)

// CronJob represents a scheduled task.
type CronJob struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Enabled       bool     `json:"enabled"`
	CreatedAtMs   int64    `json:"createdAtMs"`
	UpdatedAtMs   int64    `json:"updatedAtMs"`
	Schedule      Schedule `json:"schedule"`
	SessionTarget string   `json:"sessionTarget"`      // session key, or "main"
	WakeMode      string   `json:"wakeMode,omitempty"` // "now" or "next-heartbeat"
	Payload       Payload  `json:"payload"`
	DeleteAfterRun bool    `json:"deleteAfterRun,omitempty"`
	State         JobState `json:"state"`
}

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`              // "at", "every", "cron"
	AtMs    int64  `json:"atMs,omitempty"`    // for "at": unix ms timestamp
	EveryMs int64  `json:"everyMs,omitempty"` // for "every": interval in ms
	Expr    string `json:"expr,omitempty"`    // for "cron": 5-field cron expression
	Tz      string `json:"tz,omitempty"`      // for "cron": IANA timezone
}

// Payload defines what the job injects.
type Payload struct {
	Kind              string `json:"kind"` // "systemEvent" or "agentTurn"
	Text              string `json:"text,omitempty"`
	Message           string `json:"message,omitempty"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRunAtMs    *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs    *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs    *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // "ok", "error"
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// StoreFile is the root structure of the jobs.json file.
type StoreFile struct {
	Version int        `json:"version"`
	Jobs    []*CronJob `json:"jobs"`
}

// RunRecord is one entry in a job's append-only run history. Every run
// appends a "started" record then a "finished" record carrying the
// outcome; records are never mutated in place.
type RunRecord struct {
	JobID   string `json:"jobId"`
	Action  string `json:"action"` // "started" or "finished"
	Status  string `json:"status,omitempty"` // "ok" or "error", finished only
	Ts      int64  `json:"ts"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Schedule kind constants
const (
	ScheduleKindAt    = "at"
	ScheduleKindEvery = "every"
	ScheduleKindCron  = "cron"
)

// Payload kind constants
const (
	PayloadKindSystemEvent = "systemEvent"
	PayloadKindAgentTurn   = "agentTurn"
)

// History action constants
const (
	ActionStarted  = "started"
	ActionFinished = "finished"
)

// Run status constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// GetPrompt returns the prompt text from the payload.
func (p *Payload) GetPrompt() string {
	if p.Message != "" {
		return p.Message
	}
	return p.Text
}

// IsOneShot returns true for "at" schedules.
func (j *CronJob) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleKindAt
}

// SetNextRun updates the next run time.
func (j *CronJob) SetNextRun(t *time.Time) {
	if t == nil {
		j.State.NextRunAtMs = nil
	} else {
		ms := t.UnixMilli()
		j.State.NextRunAtMs = &ms
	}
}

// SetLastRun records the outcome of the latest run.
func (j *CronJob) SetLastRun(startTime time.Time, duration time.Duration, status, errStr string) {
	ms := startTime.UnixMilli()
	j.State.LastRunAtMs = &ms
	j.State.LastDurationMs = duration.Milliseconds()
	j.State.LastStatus = status
	j.State.LastError = errStr
	j.State.RunningAtMs = nil
	j.UpdatedAtMs = time.Now().UnixMilli()
}

// SetRunning marks the job as currently running.
func (j *CronJob) SetRunning() {
	now := time.Now().UnixMilli()
	j.State.RunningAtMs = &now
}

// ClearRunning clears the running state.
func (j *CronJob) ClearRunning() {
	j.State.RunningAtMs = nil
}

// IsRunning returns true if the job is currently running.
func (j *CronJob) IsRunning() bool {
	return j.State.RunningAtMs != nil
}

// Clone creates a deep copy of the job.
func (j *CronJob) Clone() *CronJob {
	data, _ := json.Marshal(j)
	var clone CronJob
	json.Unmarshal(data, &clone)
	return &clone
}
