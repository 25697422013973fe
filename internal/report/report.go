// Package report holds the record of one pipeline run and renders it for
// terminals and machines.
package report

import (
	"time"

	"github.com/mattjoyce/gantry/internal/runner"
)

// Phase is a run's position in the orchestrator state machine.
type Phase string

const (
	PhasePending     Phase = "pending"
	PhaseExpanding   Phase = "expanding"
	PhaseRunning     Phase = "running"
	PhaseAggregating Phase = "aggregating"
	PhaseDone        Phase = "done"
)

// Exit codes returned by the CLI.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// Notice is the notification decision taken for a run.
type Notice struct {
	Event      runner.Status `json:"event"`
	Suppressed bool          `json:"suppressed"`
}

// Report is the outcome of one pipeline run. Jobs are in expansion order.
type Report struct {
	RunID       string             `json:"run_id"`
	Branch      string             `json:"branch"`
	Phase       Phase              `json:"phase"`
	Status      runner.Status      `json:"status"`
	ConfigError string             `json:"config_error,omitempty"`
	Jobs        []runner.JobResult `json:"jobs"`
	Notice      *Notice            `json:"notification,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// ExitCode maps the run status to a process exit code.
func (r *Report) ExitCode() int {
	switch {
	case r == nil:
		return ExitFailure
	case r.ConfigError != "":
		return ExitConfigError
	case r.Status == runner.StatusSuccess:
		return ExitSuccess
	default:
		return ExitFailure
	}
}

// Kind classifies how a job ended for display.
type Kind string

const (
	KindSuccess       Kind = "success"
	KindScriptFailure Kind = "script_failure"
	KindDeployFailure Kind = "deploy_failure"
	KindCancelled     Kind = "cancelled"
	KindError         Kind = "error"
)

// Classify reports how res ended. A deploy failure on a successful job is
// reported as such; the job's own status is unchanged.
func Classify(res runner.JobResult) Kind {
	switch res.Status {
	case runner.StatusCancelled:
		return KindCancelled
	case runner.StatusFailure:
		if _, ok := res.FailedStep(); ok {
			return KindScriptFailure
		}
		return KindError
	}
	if res.Deploy == runner.DeployFailure {
		return KindDeployFailure
	}
	return KindSuccess
}
