package runner

import "time"

// Status is the outcome of a job's own scripts.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// DeployOutcome is the outcome of the deploy gate for a job.
type DeployOutcome string

const (
	DeployNotTriggered DeployOutcome = "not_triggered"
	DeploySuccess      DeployOutcome = "success"
	DeployFailure      DeployOutcome = "failure"
)

// StepResult records one executed script line.
type StepResult struct {
	Index        int       `json:"index"`
	Command      string    `json:"command"`
	ExitCode     int       `json:"exit_code"`
	TimedOut     bool      `json:"timed_out,omitempty"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	OutputRef    string    `json:"output_ref,omitempty"`
	OutputDigest string    `json:"output_digest,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Succeeded reports whether the step exited cleanly.
func (s StepResult) Succeeded() bool {
	return s.ExitCode == 0 && !s.TimedOut && s.Error == ""
}

// Duration is the wall-clock time the step took.
func (s StepResult) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// JobResult is the immutable record of one job. The orchestrator fills in
// the deploy fields after the gate has run.
type JobResult struct {
	Job           string        `json:"job"`
	Index         int           `json:"index"`
	Status        Status        `json:"status"`
	Steps         []StepResult  `json:"steps"`
	Error         string        `json:"error,omitempty"`
	Deploy        DeployOutcome `json:"deploy"`
	DeployStep    *StepResult   `json:"deploy_step,omitempty"`
	DeployError   string        `json:"deploy_error,omitempty"`
	Workspace     string        `json:"workspace,omitempty"`
	KeptWorkspace bool          `json:"kept_workspace,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// FailedStep returns the step that failed the job, if any.
func (r JobResult) FailedStep() (StepResult, bool) {
	if r.Status != StatusFailure || len(r.Steps) == 0 {
		return StepResult{}, false
	}
	last := r.Steps[len(r.Steps)-1]
	if last.Succeeded() {
		return StepResult{}, false
	}
	return last, true
}
