// Package runner executes a job's script lines in order and stops at the
// first failing line.
package runner

import (
	"context"
	"log/slog"
	"maps"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/pipeline"
)

// maxOutputBytes caps the stdout and stderr kept in memory per step. The
// full output goes to the OutputSink.
const maxOutputBytes = 64 * 1024

// ExecContext carries the per-run, per-job execution environment.
type ExecContext struct {
	RunID       string
	Branch      string
	Workspace   string
	StepTimeout time.Duration
}

// Runner executes jobs through an Executor.
type Runner struct {
	exec   Executor
	sink   OutputSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutputSink stores full step output in sink.
func WithOutputSink(sink OutputSink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a Runner backed by exec.
func New(exec Executor, opts ...Option) *Runner {
	r := &Runner{
		exec:   exec,
		logger: log.WithComponent("runner"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes job.Scripts strictly in order. The first failing line ends
// the job with StatusFailure; lines after it are never started. A cancelled
// ctx ends the job with StatusCancelled.
func (r *Runner) Run(ctx context.Context, job pipeline.Job, ec ExecContext) JobResult {
	res := JobResult{
		Job:       job.Name,
		Index:     job.Index,
		Status:    StatusSuccess,
		Steps:     make([]StepResult, 0, len(job.Scripts)),
		Deploy:    DeployNotTriggered,
		Workspace: ec.Workspace,
		StartedAt: r.now(),
	}
	jobLogger := r.logger.With("run_id", ec.RunID, "job", job.Name)
	jobLogger.Info("job started", "steps", len(job.Scripts), "workspace", ec.Workspace)

	for i, line := range job.Scripts {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			break
		}

		step, err := r.Step(ctx, job, i, line, ec)
		res.Steps = append(res.Steps, step)
		if err != nil {
			res.Status = StatusCancelled
			jobLogger.Warn("job cancelled", "step", i, "command", line)
			break
		}
		if !step.Succeeded() {
			res.Status = StatusFailure
			jobLogger.Warn("step failed", "step", i, "command", line, "exit_code", step.ExitCode, "timed_out", step.TimedOut)
			break
		}
		jobLogger.Debug("step succeeded", "step", i, "command", line, "duration_ms", step.Duration().Milliseconds())
	}

	res.FinishedAt = r.now()
	jobLogger.Info("job finished", "status", res.Status, "duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds())
	return res
}

// Step runs one command for job and records its outcome. The returned error
// is non-nil only when ctx was cancelled while the command ran.
func (r *Runner) Step(ctx context.Context, job pipeline.Job, index int, line string, ec ExecContext) (StepResult, error) {
	step := StepResult{
		Index:     index,
		Command:   line,
		StartedAt: r.now(),
	}

	out, err := r.exec.RunCommand(ctx, Command{
		Line:    line,
		Env:     commandEnv(job, ec),
		Dir:     ec.Workspace,
		Timeout: ec.StepTimeout,
	})
	step.FinishedAt = r.now()

	if err != nil {
		step.ExitCode = -1
		step.Error = err.Error()
	} else {
		step.ExitCode = out.ExitCode
		step.TimedOut = out.TimedOut
	}
	r.captureOutput(&step, job, ec.RunID, out)

	if err != nil && ctx.Err() != nil {
		return step, err
	}
	return step, nil
}

func (r *Runner) captureOutput(step *StepResult, job pipeline.Job, runID string, out CommandResult) {
	stdout, cutOut := truncate(out.Stdout)
	stderr, cutErr := truncate(out.Stderr)
	step.Stdout = stdout
	step.Stderr = stderr
	step.Truncated = cutOut || cutErr

	if r.sink == nil {
		return
	}
	full := make([]byte, 0, len(out.Stdout)+len(out.Stderr))
	full = append(full, out.Stdout...)
	full = append(full, out.Stderr...)
	ref, digest, err := r.sink.Save(runID, job, step.Index, full)
	if err != nil {
		r.logger.Warn("failed to store step output", "run_id", runID, "job", job.Name, "step", step.Index, "error", err)
		return
	}
	step.OutputRef = ref
	step.OutputDigest = digest
}

func commandEnv(job pipeline.Job, ec ExecContext) map[string]string {
	env := make(map[string]string, len(job.Env)+4)
	maps.Copy(env, job.Env)
	env["GANTRY_JOB"] = job.Name
	env["GANTRY_BRANCH"] = ec.Branch
	env["GANTRY_RUN_ID"] = ec.RunID
	if ec.Workspace != "" {
		env["GANTRY_WORKSPACE"] = ec.Workspace
	}
	return env
}

func truncate(b []byte) (string, bool) {
	if len(b) > maxOutputBytes {
		// back off to a rune start so the kept text stays valid UTF-8
		cut := maxOutputBytes
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		return string(b[:cut]), true
	}
	return string(b), false
}
