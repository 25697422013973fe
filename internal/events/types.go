package events

import "time"

// Event types published during a run.
const (
	TypeRunPhase     = "run.phase"
	TypeJobStarted   = "job.started"
	TypeJobFinished  = "job.finished"
	TypeRunFinished  = "run.finished"
	TypeNotification = "run.notification"
)

// Event types published by the scheduler while serving.
const (
	TypeScheduleLaunched = "scheduler.scheduled"
	TypeScheduleSkipped  = "scheduler.skipped"
)

// RunPhase is the payload of TypeRunPhase.
type RunPhase struct {
	RunID  string `json:"run_id"`
	Branch string `json:"branch,omitempty"`
	Phase  string `json:"phase"`
	Jobs   int    `json:"jobs,omitempty"`
}

// JobStarted is the payload of TypeJobStarted.
type JobStarted struct {
	RunID string `json:"run_id"`
	Job   string `json:"job"`
	Index int    `json:"index"`
	Steps int    `json:"steps"`
}

// JobFinished is the payload of TypeJobFinished.
type JobFinished struct {
	RunID      string `json:"run_id"`
	Job        string `json:"job"`
	Index      int    `json:"index"`
	Status     string `json:"status"`
	Deploy     string `json:"deploy"`
	DurationMS int64  `json:"duration_ms"`
}

// RunFinished is the payload of TypeRunFinished.
type RunFinished struct {
	RunID       string `json:"run_id"`
	Branch      string `json:"branch"`
	Status      string `json:"status"`
	ConfigError string `json:"config_error,omitempty"`
}

// Notification is the payload of TypeNotification.
type Notification struct {
	RunID  string `json:"run_id"`
	Branch string `json:"branch"`
	Event  string `json:"event"`
}

// ScheduleLaunched is the payload of TypeScheduleLaunched.
type ScheduleLaunched struct {
	Schedule string    `json:"schedule"`
	RunID    string    `json:"run_id"`
	Branch   string    `json:"branch"`
	NextAt   time.Time `json:"next_at"`
}

// ScheduleSkipped is the payload of TypeScheduleSkipped.
type ScheduleSkipped struct {
	Schedule string `json:"schedule"`
	Branch   string `json:"branch,omitempty"`
	Reason   string `json:"reason"`
}
