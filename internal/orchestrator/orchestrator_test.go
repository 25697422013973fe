package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gantry/internal/deploy"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/logstore"
	"github.com/mattjoyce/gantry/internal/notify"
	"github.com/mattjoyce/gantry/internal/orchestrator"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/runner/mocks"
	"github.com/mattjoyce/gantry/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// scriptedExec interprets script lines: "exit N" exits with N, "block"
// waits for cancellation, anything else succeeds.
type scriptedExec struct {
	mu    sync.Mutex
	calls []runner.Command
}

func (e *scriptedExec) RunCommand(ctx context.Context, cmd runner.Command) (runner.CommandResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	e.mu.Unlock()

	switch {
	case cmd.Line == "block":
		<-ctx.Done()
		return runner.CommandResult{ExitCode: -1}, ctx.Err()
	case strings.HasPrefix(cmd.Line, "exit "):
		code, err := strconv.Atoi(strings.TrimPrefix(cmd.Line, "exit "))
		if err != nil {
			return runner.CommandResult{}, err
		}
		return runner.CommandResult{ExitCode: code}, nil
	}
	return runner.CommandResult{Stdout: []byte(cmd.Line + "\n")}, nil
}

func (e *scriptedExec) lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.Line)
	}
	return out
}

type memHistory struct {
	mu    sync.Mutex
	last  map[string]runner.Status
	saved []*report.Report
}

func (h *memHistory) LastStatus(_ context.Context, branch string) (runner.Status, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.last[branch]
	return s, ok, nil
}

func (h *memHistory) Save(_ context.Context, r *report.Report) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		h.last = make(map[string]runner.Status)
	}
	h.last[r.Branch] = r.Status
	h.saved = append(h.saved, r)
	return nil
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (t *recordingTransport) Send(_ context.Context, n notify.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, n)
	return nil
}

func newOrchestrator(exec runner.Executor, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	r := runner.New(exec)
	return orchestrator.New(r, deploy.NewGate(r), opts...)
}

func abcConfig() pipeline.Config {
	return pipeline.Config{
		Env:     map[string]string{"GO": "1.25"},
		Scripts: []string{"go build", "go test"},
		Include: []pipeline.JobOverride{
			{Name: "A"},
			{Name: "B", Env: map[string]string{"GO": "1.24"}},
			{
				Name: "C",
				Deploy: &pipeline.DeployRule{
					Action:   pipeline.ScriptAction{Command: "exit 3"},
					OnBranch: "main",
				},
			},
		},
	}
}

func TestRunDeployFailureFailsRun(t *testing.T) {
	exec := &scriptedExec{}
	o := newOrchestrator(exec)

	rep := o.Run(context.Background(), abcConfig(), orchestrator.Options{RunID: "run-1", Branch: "main"})

	require.Len(t, rep.Jobs, 3)
	for i, name := range []string{"A", "B", "C"} {
		assert.Equal(t, name, rep.Jobs[i].Job)
		assert.Equal(t, i, rep.Jobs[i].Index)
		assert.Equal(t, runner.StatusSuccess, rep.Jobs[i].Status, name)
		assert.Len(t, rep.Jobs[i].Steps, 2, name)
	}
	assert.Equal(t, runner.DeployNotTriggered, rep.Jobs[0].Deploy)
	assert.Equal(t, runner.DeployFailure, rep.Jobs[2].Deploy)
	require.NotNil(t, rep.Jobs[2].DeployStep)
	assert.Equal(t, 3, rep.Jobs[2].DeployStep.ExitCode)
	assert.Equal(t, 2, rep.Jobs[2].DeployStep.Index)

	assert.Equal(t, runner.StatusFailure, rep.Status)
	assert.Equal(t, report.PhaseDone, rep.Phase)
	assert.Equal(t, report.ExitFailure, rep.ExitCode())
	assert.Equal(t, "run-1", rep.RunID)
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
	require.NotNil(t, rep.Notice)
	assert.Equal(t, runner.StatusFailure, rep.Notice.Event)
	assert.False(t, rep.Notice.Suppressed)
}

func TestRunParallelMatchesSequential(t *testing.T) {
	cfg := abcConfig()
	cfg.Deploy = nil
	cfg.Include[2].Deploy = nil

	seq := newOrchestrator(&scriptedExec{}).Run(context.Background(), cfg, orchestrator.Options{RunID: "seq", Branch: "main"})
	par := newOrchestrator(&scriptedExec{}).Run(context.Background(), cfg, orchestrator.Options{RunID: "par", Branch: "main", Concurrency: 3})

	assert.Equal(t, runner.StatusSuccess, seq.Status)
	assert.Equal(t, seq.Status, par.Status)
	require.Len(t, par.Jobs, len(seq.Jobs))
	for i := range seq.Jobs {
		assert.Equal(t, seq.Jobs[i].Job, par.Jobs[i].Job)
		assert.Equal(t, seq.Jobs[i].Status, par.Jobs[i].Status)
		assert.Equal(t, seq.Jobs[i].Deploy, par.Jobs[i].Deploy)
		assert.Len(t, par.Jobs[i].Steps, len(seq.Jobs[i].Steps))
	}
	assert.Equal(t, report.ExitSuccess, par.ExitCode())
}

func TestRunConfigErrorStartsNoJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().RunCommand(gomock.Any(), gomock.Any()).Times(0)

	hist := &memHistory{}
	tr := &recordingTransport{}
	cfg := pipeline.Config{
		Scripts: []string{"make"},
		Include: []pipeline.JobOverride{{Name: "dup"}, {Name: "dup"}},
	}
	o := newOrchestrator(exec, orchestrator.WithHistory(hist), orchestrator.WithNotifier(tr))

	rep := o.Run(context.Background(), cfg, orchestrator.Options{Branch: "main"})

	assert.NotEmpty(t, rep.RunID)
	assert.NotEmpty(t, rep.ConfigError)
	assert.Contains(t, rep.ConfigError, "dup")
	assert.Empty(t, rep.Jobs)
	assert.NotNil(t, rep.Jobs)
	assert.Equal(t, runner.StatusFailure, rep.Status)
	assert.Equal(t, report.PhaseDone, rep.Phase)
	assert.Equal(t, report.ExitConfigError, rep.ExitCode())

	require.Len(t, hist.saved, 1)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, runner.StatusFailure, tr.sent[0].Event)
}

func TestRunFailFastSequential(t *testing.T) {
	exec := &scriptedExec{}
	cfg := pipeline.Config{
		Scripts: []string{"build"},
		Include: []pipeline.JobOverride{
			{Name: "first", Scripts: []string{"exit 1", "never"}},
			{Name: "second"},
			{Name: "third"},
		},
	}

	rep := newOrchestrator(exec).Run(context.Background(), cfg, orchestrator.Options{Branch: "dev", FailFast: true})

	require.Len(t, rep.Jobs, 3)
	assert.Equal(t, runner.StatusFailure, rep.Jobs[0].Status)
	assert.Len(t, rep.Jobs[0].Steps, 1)
	for _, res := range rep.Jobs[1:] {
		assert.Equal(t, runner.StatusCancelled, res.Status, res.Job)
		assert.Empty(t, res.Steps, res.Job)
		assert.NotNil(t, res.Steps, res.Job)
		assert.Equal(t, runner.DeployNotTriggered, res.Deploy)
	}
	assert.Equal(t, []string{"exit 1"}, exec.lines())
	assert.Equal(t, runner.StatusFailure, rep.Status)
}

func TestRunWithoutFailFastRunsEveryJob(t *testing.T) {
	exec := &scriptedExec{}
	cfg := pipeline.Config{
		Scripts: []string{"build"},
		Include: []pipeline.JobOverride{
			{Name: "first", Scripts: []string{"exit 1"}},
			{Name: "second"},
		},
	}

	rep := newOrchestrator(exec).Run(context.Background(), cfg, orchestrator.Options{Branch: "dev"})

	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, runner.StatusFailure, rep.Jobs[0].Status)
	assert.Equal(t, runner.StatusSuccess, rep.Jobs[1].Status)
	assert.Equal(t, runner.StatusFailure, rep.Status)
}

func TestRunFailFastParallelCancelsRunningJob(t *testing.T) {
	exec := &scriptedExec{}
	cfg := pipeline.Config{
		Include: []pipeline.JobOverride{
			{
				Name:    "slow",
				Scripts: []string{"block"},
				Deploy: &pipeline.DeployRule{
					Action:   pipeline.ScriptAction{Command: "publish"},
					OnBranch: "main",
				},
			},
			{Name: "broken", Scripts: []string{"exit 2"}},
		},
	}

	rep := newOrchestrator(exec).Run(context.Background(), cfg, orchestrator.Options{
		Branch:      "main",
		Concurrency: 2,
		FailFast:    true,
	})

	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, runner.StatusCancelled, rep.Jobs[0].Status)
	assert.Equal(t, runner.DeployNotTriggered, rep.Jobs[0].Deploy)
	assert.Equal(t, runner.StatusFailure, rep.Jobs[1].Status)
	assert.NotContains(t, exec.lines(), "publish")
	assert.Equal(t, runner.StatusFailure, rep.Status)
}

// deployRaceExec holds the deploy command open until the failing sibling
// has returned, so fail-fast cancellation lands mid-deploy.
type deployRaceExec struct {
	deployStarted chan struct{}
}

func (e *deployRaceExec) RunCommand(ctx context.Context, cmd runner.Command) (runner.CommandResult, error) {
	switch cmd.Line {
	case "publish":
		close(e.deployStarted)
		select {
		case <-ctx.Done():
			return runner.CommandResult{ExitCode: -1}, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return runner.CommandResult{}, nil
		}
	case "fail after publish starts":
		<-e.deployStarted
		return runner.CommandResult{ExitCode: 1}, nil
	}
	return runner.CommandResult{}, nil
}

func TestRunFailFastLetsStartedDeployFinish(t *testing.T) {
	exec := &deployRaceExec{deployStarted: make(chan struct{})}
	cfg := pipeline.Config{
		Include: []pipeline.JobOverride{
			{
				Name:    "docs",
				Scripts: []string{"true"},
				Deploy: &pipeline.DeployRule{
					Action:   pipeline.ScriptAction{Command: "publish"},
					OnBranch: "main",
				},
			},
			{Name: "broken", Scripts: []string{"fail after publish starts"}},
		},
	}

	rep := newOrchestrator(exec).Run(context.Background(), cfg, orchestrator.Options{
		Branch:      "main",
		Concurrency: 2,
		FailFast:    true,
	})

	require.Len(t, rep.Jobs, 2)
	assert.Equal(t, runner.StatusSuccess, rep.Jobs[0].Status)
	assert.Equal(t, runner.DeploySuccess, rep.Jobs[0].Deploy, rep.Jobs[0].DeployError)
	assert.Empty(t, rep.Jobs[0].DeployError)
	assert.Equal(t, runner.StatusFailure, rep.Jobs[1].Status)
	assert.Equal(t, runner.StatusFailure, rep.Status)
}

func TestRunKeepsLogsOfJobsWhoseNamesSlugAlike(t *testing.T) {
	logs, err := logstore.New(t.TempDir())
	require.NoError(t, err)
	r := runner.New(&scriptedExec{}, runner.WithOutputSink(logs))
	o := orchestrator.New(r, deploy.NewGate(r))

	cfg := pipeline.Config{
		Scripts: []string{"build"},
		Include: []pipeline.JobOverride{
			{Name: "linux/amd64", Scripts: []string{"echo first"}},
			{Name: "linux_amd64", Scripts: []string{"echo second"}},
		},
	}
	rep := o.Run(context.Background(), cfg, orchestrator.Options{RunID: "r1", Branch: "main", Concurrency: 2})

	require.Len(t, rep.Jobs, 2)
	first, second := rep.Jobs[0].Steps[0], rep.Jobs[1].Steps[0]
	assert.NotEqual(t, first.OutputRef, second.OutputRef)
	for i, step := range []runner.StepResult{first, second} {
		require.NoError(t, logstore.Verify(step.OutputRef, step.OutputDigest), rep.Jobs[i].Job)
	}
	data, err := os.ReadFile(first.OutputRef)
	require.NoError(t, err)
	assert.Equal(t, "echo first\n", string(data))
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &scriptedExec{}
	cfg := pipeline.Config{Scripts: []string{"build"}}
	rep := newOrchestrator(exec).Run(ctx, cfg, orchestrator.Options{Branch: "main"})

	require.Len(t, rep.Jobs, 1)
	assert.Equal(t, runner.StatusCancelled, rep.Jobs[0].Status)
	assert.Empty(t, exec.lines())
	assert.Equal(t, runner.StatusFailure, rep.Status)
	assert.Equal(t, report.PhaseDone, rep.Phase)
}

func TestRunBranchMismatchSkipsDeploy(t *testing.T) {
	exec := &scriptedExec{}
	rep := newOrchestrator(exec).Run(context.Background(), abcConfig(), orchestrator.Options{Branch: "feature/x"})

	require.Len(t, rep.Jobs, 3)
	assert.Equal(t, runner.DeployNotTriggered, rep.Jobs[2].Deploy)
	assert.Nil(t, rep.Jobs[2].DeployStep)
	assert.Equal(t, runner.StatusSuccess, rep.Status)
	assert.NotContains(t, exec.lines(), "exit 3")
}

func TestRunPublishesPhasesInOrder(t *testing.T) {
	hub := events.NewHub(64)
	cfg := pipeline.Config{Scripts: []string{"build"}}

	rep := newOrchestrator(&scriptedExec{}, orchestrator.WithEvents(hub)).
		Run(context.Background(), cfg, orchestrator.Options{RunID: "run-ev", Branch: "main"})
	require.Equal(t, runner.StatusSuccess, rep.Status)

	var phases []string
	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
		if ev.Type != events.TypeRunPhase {
			continue
		}
		var p events.RunPhase
		require.NoError(t, ev.Decode(&p))
		assert.Equal(t, "run-ev", p.RunID)
		phases = append(phases, p.Phase)
	}

	assert.Equal(t, []string{
		string(report.PhasePending),
		string(report.PhaseExpanding),
		string(report.PhaseRunning),
		string(report.PhaseAggregating),
		string(report.PhaseDone),
	}, phases)
	assert.Contains(t, types, events.TypeJobStarted)
	assert.Contains(t, types, events.TypeJobFinished)
	assert.Equal(t, events.TypeRunFinished, types[len(types)-1])
}

func TestRunReleasesWorkspacesUnlessKept(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	base := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := workspace.NewFSManager(base)
	require.NoError(t, err)

	exec := &scriptedExec{}
	cfg := pipeline.Config{
		Scripts: []string{"build"},
		Include: []pipeline.JobOverride{
			{Name: "plain"},
			{
				Name: "kept",
				Deploy: &pipeline.DeployRule{
					Action:      pipeline.ScriptAction{Command: "publish"},
					OnBranch:    "main",
					SkipCleanup: true,
				},
			},
		},
	}
	o := newOrchestrator(exec, orchestrator.WithWorkspaces(mgr, src))

	rep := o.Run(context.Background(), cfg, orchestrator.Options{RunID: "ws", Branch: "main"})
	require.Equal(t, runner.StatusSuccess, rep.Status)

	plain, kept := rep.Jobs[0], rep.Jobs[1]
	assert.NotEqual(t, plain.Workspace, kept.Workspace)
	assert.False(t, plain.KeptWorkspace)
	assert.NoDirExists(t, plain.Workspace)

	assert.True(t, kept.KeptWorkspace)
	assert.Equal(t, runner.DeploySuccess, kept.Deploy)
	assert.FileExists(t, filepath.Join(kept.Workspace, "main.go"))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, c := range exec.calls {
		assert.True(t, strings.HasPrefix(c.Dir, base), c.Dir)
	}
}

type failingWorkspaces struct{ workspace.Manager }

func (failingWorkspaces) Prepare(context.Context, string, string) (workspace.Workspace, error) {
	return workspace.Workspace{}, errors.New("disk full")
}

func TestRunWorkspaceFailureFailsJob(t *testing.T) {
	exec := &scriptedExec{}
	cfg := pipeline.Config{Scripts: []string{"build"}}
	o := newOrchestrator(exec, orchestrator.WithWorkspaces(failingWorkspaces{}, "."))

	rep := o.Run(context.Background(), cfg, orchestrator.Options{Branch: "main"})

	require.Len(t, rep.Jobs, 1)
	assert.Equal(t, runner.StatusFailure, rep.Jobs[0].Status)
	assert.Contains(t, rep.Jobs[0].Error, "disk full")
	assert.Empty(t, exec.lines())
}

func TestRunChangeNotificationSuppressesRepeat(t *testing.T) {
	hist := &memHistory{}
	tr := &recordingTransport{}
	cfg := pipeline.Config{
		Scripts: []string{"build"},
		Notifications: pipeline.NotificationPolicy{
			OnSuccess: pipeline.NotifyChange,
			OnFailure: pipeline.NotifyAlways,
		},
	}
	o := newOrchestrator(&scriptedExec{}, orchestrator.WithHistory(hist), orchestrator.WithNotifier(tr))

	first := o.Run(context.Background(), cfg, orchestrator.Options{Branch: "main"})
	second := o.Run(context.Background(), cfg, orchestrator.Options{Branch: "main"})
	other := o.Run(context.Background(), cfg, orchestrator.Options{Branch: "release"})

	require.NotNil(t, first.Notice)
	assert.False(t, first.Notice.Suppressed)
	require.NotNil(t, second.Notice)
	assert.True(t, second.Notice.Suppressed)
	assert.Equal(t, runner.StatusSuccess, second.Status)
	assert.False(t, other.Notice.Suppressed)

	require.Len(t, tr.sent, 3)
	assert.Equal(t, runner.StatusSuccess, tr.sent[1].Event)
	assert.True(t, tr.sent[1].Suppressed)
	assert.Len(t, tr.sent[0].Jobs, 1)
	assert.Len(t, hist.saved, 3)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestAggregate(t *testing.T) {
	ok := runner.JobResult{Status: runner.StatusSuccess, Deploy: runner.DeployNotTriggered}
	deployed := runner.JobResult{Status: runner.StatusSuccess, Deploy: runner.DeploySuccess}
	badDeploy := runner.JobResult{Status: runner.StatusSuccess, Deploy: runner.DeployFailure}
	failed := runner.JobResult{Status: runner.StatusFailure, Deploy: runner.DeployNotTriggered}
	cancelled := runner.JobResult{Status: runner.StatusCancelled, Deploy: runner.DeployNotTriggered}

	tests := []struct {
		name string
		jobs []runner.JobResult
		want runner.Status
	}{
		{name: "all success", jobs: []runner.JobResult{ok, deployed}, want: runner.StatusSuccess},
		{name: "no jobs", jobs: nil, want: runner.StatusSuccess},
		{name: "deploy failure", jobs: []runner.JobResult{ok, badDeploy}, want: runner.StatusFailure},
		{name: "job failure", jobs: []runner.JobResult{failed, ok}, want: runner.StatusFailure},
		{name: "cancelled", jobs: []runner.JobResult{ok, cancelled}, want: runner.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, orchestrator.Aggregate(tt.jobs))
		})
	}
}
