// Package orchestrator drives one pipeline run: expand the matrix, run the
// jobs on a bounded worker pool, apply deploy rules, aggregate, notify and
// record the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/gantry/internal/deploy"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/notify"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/workspace"
)

// Options are the per-run knobs.
type Options struct {
	// RunID identifies the run; a UUID is generated when empty.
	RunID  string
	Branch string
	// Concurrency bounds the number of jobs running at once. Values below 1
	// mean sequential.
	Concurrency int
	// FailFast cancels the remaining jobs after the first job failure.
	FailFast    bool
	StepTimeout time.Duration
}

// Deployer applies a job's deploy rule after the job ran.
type Deployer interface {
	MaybeDeploy(ctx context.Context, job pipeline.Job, res runner.JobResult, ec runner.ExecContext) deploy.Outcome
}

// History is the run record the orchestrator reads and writes.
type History interface {
	LastStatus(ctx context.Context, branch string) (runner.Status, bool, error)
	Save(ctx context.Context, r *report.Report) error
}

// Orchestrator runs pipelines. It holds no per-run state and may run
// several pipelines concurrently.
type Orchestrator struct {
	runner     *runner.Runner
	deployer   Deployer
	workspaces workspace.Manager
	sourceDir  string
	history    History
	notifier   notify.Transport
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkspaces gives every job its own workspace seeded from sourceDir.
func WithWorkspaces(m workspace.Manager, sourceDir string) Option {
	return func(o *Orchestrator) {
		o.workspaces = m
		o.sourceDir = sourceDir
	}
}

// WithHistory records finished runs and feeds "change" notifications.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithNotifier delivers run notifications.
func WithNotifier(t notify.Transport) Option {
	return func(o *Orchestrator) { o.notifier = t }
}

// WithEvents publishes run progress.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator that runs jobs through r and deploys through d.
func New(r *runner.Runner, d Deployer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:   r,
		deployer: d,
		logger:   log.WithComponent("orchestrator"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes cfg and returns the finished report. It never returns nil.
// Configuration errors end the run before any job starts.
func (o *Orchestrator) Run(ctx context.Context, cfg pipeline.Config, opts Options) *report.Report {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	r := o.newRun(opts)
	r.logger.Info("run started", "branch", opts.Branch, "concurrency", opts.Concurrency, "fail_fast", opts.FailFast)

	r.setPhase(report.PhaseExpanding, 0)
	jobs, err := pipeline.Expand(cfg)
	if err != nil {
		r.logger.Error("invalid pipeline configuration", "error", err)
		r.report.ConfigError = err.Error()
		r.report.Status = runner.StatusFailure
		o.finish(ctx, r, cfg.Notifications)
		return r.report
	}

	r.setPhase(report.PhaseRunning, len(jobs))
	r.report.Jobs = o.execute(ctx, r, jobs, opts)

	r.setPhase(report.PhaseAggregating, len(jobs))
	r.report.Status = Aggregate(r.report.Jobs)

	o.finish(ctx, r, cfg.Notifications)
	return r.report
}

// Aggregate is Success iff every job succeeded and no triggered deploy
// failed.
func Aggregate(results []runner.JobResult) runner.Status {
	for _, res := range results {
		if res.Status != runner.StatusSuccess || res.Deploy == runner.DeployFailure {
			return runner.StatusFailure
		}
	}
	return runner.StatusSuccess
}

// execute runs jobs on at most opts.Concurrency workers. Results are
// collected by a single goroutine into expansion order.
func (o *Orchestrator) execute(ctx context.Context, r *run, jobs []pipeline.Job, opts Options) []runner.JobResult {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsCh := make(chan runner.JobResult, len(jobs))
	collected := make(chan []runner.JobResult)
	go func() {
		slots := make([]runner.JobResult, len(jobs))
		filled := make([]bool, len(jobs))
		for res := range resultsCh {
			if res.Index < 0 || res.Index >= len(slots) || filled[res.Index] {
				r.logger.Error("discarding unexpected job result", "job", res.Job, "index", res.Index)
				continue
			}
			slots[res.Index] = res
			filled[res.Index] = true
		}
		collected <- slots
	}()

	skip := func(job pipeline.Job) {
		res := cancelledResult(job, o.now())
		o.jobFinished(r, res)
		resultsCh <- res
	}

	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for _, job := range jobs {
		if workCtx.Err() != nil {
			skip(job)
			continue
		}
		g.Go(func() error {
			if workCtx.Err() != nil {
				skip(job)
				return nil
			}
			res := o.runJob(workCtx, ctx, r, job, opts)
			if res.Status == runner.StatusFailure && opts.FailFast {
				r.logger.Warn("fail-fast: cancelling remaining jobs", "job", job.Name)
				cancel()
			}
			resultsCh <- res
			return nil
		})
	}
	_ = g.Wait()
	close(resultsCh)
	return <-collected
}

// runJob prepares the workspace, runs the job on ctx and deploys on
// deployCtx. deployCtx is the run's own context, so a fail-fast cancellation
// triggered by a sibling never interrupts the deploy of a job that already
// succeeded.
func (o *Orchestrator) runJob(ctx, deployCtx context.Context, r *run, job pipeline.Job, opts Options) runner.JobResult {
	r.publish(events.TypeJobStarted, events.JobStarted{RunID: opts.RunID, Job: job.Name, Index: job.Index, Steps: len(job.Scripts)})

	ec := runner.ExecContext{
		RunID:       opts.RunID,
		Branch:      opts.Branch,
		StepTimeout: opts.StepTimeout,
	}

	var wsID string
	if o.workspaces != nil {
		wsID = workspaceID(opts.RunID, job)
		ws, err := o.workspaces.Prepare(ctx, wsID, o.sourceDir)
		if err != nil {
			res := infraFailure(job, o.now(), fmt.Errorf("prepare workspace: %w", err))
			if ctx.Err() != nil {
				res.Status = runner.StatusCancelled
			}
			r.logger.Error("workspace preparation failed", "job", job.Name, "error", err)
			o.jobFinished(r, res)
			return res
		}
		ec.Workspace = ws.Dir
	}

	res := o.runner.Run(ctx, job, ec)

	// Cancelled and failed jobs never reach the deploy gate.
	if res.Status == runner.StatusSuccess && o.deployer != nil {
		o.deployer.MaybeDeploy(deployCtx, job, res, ec).Apply(&res)
	}

	if wsID != "" {
		if job.Deploy != nil && job.Deploy.SkipCleanup {
			res.KeptWorkspace = true
			r.logger.Info("keeping workspace", "job", job.Name, "workspace", ec.Workspace)
		} else if err := o.workspaces.Release(context.WithoutCancel(ctx), wsID); err != nil {
			r.logger.Warn("failed to release workspace", "job", job.Name, "workspace", ec.Workspace, "error", err)
		}
	}

	o.jobFinished(r, res)
	return res
}

func (o *Orchestrator) jobFinished(r *run, res runner.JobResult) {
	r.publish(events.TypeJobFinished, events.JobFinished{
		RunID:      r.report.RunID,
		Job:        res.Job,
		Index:      res.Index,
		Status:     string(res.Status),
		Deploy:     string(res.Deploy),
		DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	})
}

// finish decides and sends the notification, records the run and moves it
// to PhaseDone. It runs even when ctx is cancelled.
func (o *Orchestrator) finish(ctx context.Context, r *run, policy pipeline.NotificationPolicy) {
	ctx = context.WithoutCancel(ctx)
	rep := r.report

	var previous runner.Status
	if o.history != nil {
		prev, ok, err := o.history.LastStatus(ctx, rep.Branch)
		if err != nil {
			r.logger.Warn("failed to read previous run status", "error", err)
		} else if ok {
			previous = prev
		}
	}

	event, suppressed := notify.Decide(policy, rep.Status, previous)
	rep.Notice = &report.Notice{Event: event, Suppressed: suppressed}
	if o.notifier != nil {
		n := notify.Notification{
			Event:      event,
			Suppressed: suppressed,
			RunID:      rep.RunID,
			Branch:     rep.Branch,
			Jobs:       notify.Summarize(rep.Jobs),
		}
		if err := o.notifier.Send(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed", "event", event, "error", err)
		}
	}

	rep.FinishedAt = o.now()
	r.setPhase(report.PhaseDone, len(rep.Jobs))

	if o.history != nil {
		if err := o.history.Save(ctx, rep); err != nil {
			r.logger.Error("failed to record run", "error", err)
		}
	}

	r.publish(events.TypeRunFinished, events.RunFinished{
		RunID:       rep.RunID,
		Branch:      rep.Branch,
		Status:      string(rep.Status),
		ConfigError: rep.ConfigError,
	})
	r.logger.Info("run finished",
		"status", rep.Status,
		"jobs", len(rep.Jobs),
		"notify", event,
		"suppressed", suppressed,
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	)
}

func cancelledResult(job pipeline.Job, now time.Time) runner.JobResult {
	return runner.JobResult{
		Job:        job.Name,
		Index:      job.Index,
		Status:     runner.StatusCancelled,
		Steps:      []runner.StepResult{},
		Deploy:     runner.DeployNotTriggered,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func infraFailure(job pipeline.Job, now time.Time, err error) runner.JobResult {
	res := cancelledResult(job, now)
	res.Status = runner.StatusFailure
	res.Error = err.Error()
	return res
}

// workspaceID is unique per run and job and safe as a directory name.
func workspaceID(runID string, job pipeline.Job) string {
	return fmt.Sprintf("%s-%02d-%s", pipeline.Slug(runID), job.Index, pipeline.Slug(job.Name))
}
