// Package deploy decides whether a finished job deploys and runs the
// configured deploy provider when it does.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"time"

	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/runner"
)

// ErrUnknownAction is returned when a deploy rule carries an action no
// provider handles.
var ErrUnknownAction = errors.New("unknown deploy action")

// Target is what a provider deploys from.
type Target struct {
	RunID     string
	Branch    string
	Job       pipeline.Job
	Workspace string
	// Env is the job's resolved environment. Provider credentials are read
	// from it by name.
	Env         map[string]string
	StepTimeout time.Duration
}

// Provider performs one kind of deploy. Step is non-nil when the provider
// ran a command.
type Provider interface {
	Execute(ctx context.Context, t Target) (step *runner.StepResult, err error)
}

// Outcome is the gate's verdict for one job.
type Outcome struct {
	Status runner.DeployOutcome
	Step   *runner.StepResult
	Error  string
}

// Apply copies the outcome onto res.
func (o Outcome) Apply(res *runner.JobResult) {
	res.Deploy = o.Status
	res.DeployStep = o.Step
	res.DeployError = o.Error
}

// Gate runs deploy rules for jobs that earned them.
type Gate struct {
	runner       *runner.Runner
	client       *http.Client
	artifactRoot string
	logger       *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithHTTPClient sets the client used by upload deploys.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gate) { g.client = c }
}

// WithArtifactRoot resolves relative artifact destinations against dir.
func WithArtifactRoot(dir string) Option {
	return func(g *Gate) { g.artifactRoot = dir }
}

// NewGate creates a gate whose script deploys run through r.
func NewGate(r *runner.Runner, opts ...Option) *Gate {
	g := &Gate{
		runner: r,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: log.WithComponent("deploy"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Triggered reports whether job's deploy rule applies to res on branch.
// Branches match exactly.
func Triggered(job pipeline.Job, res runner.JobResult, branch string) bool {
	if res.Status != runner.StatusSuccess || job.Deploy == nil {
		return false
	}
	return job.Deploy.OnBranch == branch
}

// MaybeDeploy runs job's deploy rule when the job succeeded on the rule's
// branch. A failed deploy is reported in the outcome and never changes the
// job's own status.
func (g *Gate) MaybeDeploy(ctx context.Context, job pipeline.Job, res runner.JobResult, ec runner.ExecContext) Outcome {
	if !Triggered(job, res, ec.Branch) {
		return Outcome{Status: runner.DeployNotTriggered}
	}

	logger := g.logger.With("run_id", ec.RunID, "job", job.Name)
	provider, err := g.Provider(job.Deploy.Action)
	if err != nil {
		logger.Error("deploy rule unusable", "error", err)
		return Outcome{Status: runner.DeployFailure, Error: err.Error()}
	}

	env := make(map[string]string, len(job.Env))
	maps.Copy(env, job.Env)
	target := Target{
		RunID:       ec.RunID,
		Branch:      ec.Branch,
		Job:         job,
		Workspace:   ec.Workspace,
		Env:         env,
		StepTimeout: ec.StepTimeout,
	}

	logger.Info("deploy started", "provider", job.Deploy.Action.Kind(), "branch", ec.Branch)
	step, err := provider.Execute(ctx, target)
	if err != nil {
		logger.Warn("deploy failed", "provider", job.Deploy.Action.Kind(), "error", err)
		return Outcome{Status: runner.DeployFailure, Step: step, Error: err.Error()}
	}
	logger.Info("deploy succeeded", "provider", job.Deploy.Action.Kind())
	return Outcome{Status: runner.DeploySuccess, Step: step}
}

// Provider resolves an action to the provider that performs it.
func (g *Gate) Provider(action pipeline.Action) (Provider, error) {
	switch a := action.(type) {
	case pipeline.ScriptAction:
		return &scriptProvider{runner: g.runner, command: a.Command}, nil
	case pipeline.ArtifactAction:
		return &artifactProvider{paths: a.Paths, dest: a.Dest, root: g.artifactRoot}, nil
	case pipeline.UploadAction:
		return &uploadProvider{client: g.client, url: a.URL, paths: a.Paths, tokenEnv: a.TokenEnv}, nil
	case nil:
		return nil, fmt.Errorf("%w: rule has no action", ErrUnknownAction)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, action)
	}
}

type scriptProvider struct {
	runner  *runner.Runner
	command string
}

func (p *scriptProvider) Execute(ctx context.Context, t Target) (*runner.StepResult, error) {
	if p.runner == nil {
		return nil, fmt.Errorf("script deploy: no runner configured")
	}
	ec := runner.ExecContext{
		RunID:       t.RunID,
		Branch:      t.Branch,
		Workspace:   t.Workspace,
		StepTimeout: t.StepTimeout,
	}
	step, err := p.runner.Step(ctx, t.Job, len(t.Job.Scripts), p.command, ec)
	if err != nil {
		return &step, fmt.Errorf("deploy command cancelled: %w", err)
	}
	switch {
	case step.Error != "":
		return &step, fmt.Errorf("deploy command failed to start: %s", step.Error)
	case step.TimedOut:
		return &step, fmt.Errorf("deploy command timed out")
	case step.ExitCode != 0:
		return &step, fmt.Errorf("deploy command exited with code %d", step.ExitCode)
	}
	return &step, nil
}
