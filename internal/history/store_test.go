package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), storage.DatabaseFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func runReport(id, branch string, status runner.Status, finished time.Time) *report.Report {
	return &report.Report{
		RunID:      id,
		Branch:     branch,
		Phase:      report.PhaseDone,
		Status:     status,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	finished := time.Date(2026, 5, 4, 10, 0, 0, 123, time.UTC)
	r := runReport("run-1", "master", runner.StatusFailure, finished)
	r.Notice = &report.Notice{Event: runner.StatusFailure}
	r.Jobs = []runner.JobResult{
		{
			Job:        "A",
			Index:      0,
			Status:     runner.StatusSuccess,
			Deploy:     runner.DeployNotTriggered,
			Steps:      []runner.StepResult{{Index: 0, Command: "make", Stdout: "ok\n", OutputRef: "/logs/a/step-0.log", OutputDigest: "abc"}},
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: finished.Add(-30 * time.Second),
		},
		{
			Job:           "C",
			Index:         1,
			Status:        runner.StatusSuccess,
			Deploy:        runner.DeployFailure,
			DeployError:   "exit 1",
			Steps:         []runner.StepResult{{Index: 0, Command: "make"}},
			DeployStep:    &runner.StepResult{Index: 1, Command: "./publish.sh", ExitCode: 1, Stderr: "nope\n"},
			Workspace:     "/ws/c",
			KeptWorkspace: true,
		},
	}

	require.NoError(t, s.Save(ctx, r))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "master", got.Branch)
	assert.Equal(t, runner.StatusFailure, got.Status)
	assert.Equal(t, report.PhaseDone, got.Phase)
	require.NotNil(t, got.Notice)
	assert.Equal(t, runner.StatusFailure, got.Notice.Event)
	assert.True(t, got.FinishedAt.Equal(finished))

	require.Len(t, got.Jobs, 2)
	assert.Equal(t, "A", got.Jobs[0].Job)
	require.Len(t, got.Jobs[0].Steps, 1)
	assert.Equal(t, "ok\n", got.Jobs[0].Steps[0].Stdout)
	assert.Equal(t, "abc", got.Jobs[0].Steps[0].OutputDigest)
	assert.Nil(t, got.Jobs[0].DeployStep)

	c := got.Jobs[1]
	assert.Equal(t, runner.DeployFailure, c.Deploy)
	assert.Equal(t, "exit 1", c.DeployError)
	assert.True(t, c.KeptWorkspace)
	require.Len(t, c.Steps, 1)
	require.NotNil(t, c.DeployStep)
	assert.Equal(t, "./publish.sh", c.DeployStep.Command)
	assert.Equal(t, 1, c.DeployStep.ExitCode)
}

func TestSaveReplacesExistingRun(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	r := runReport("run-1", "master", runner.StatusFailure, now)
	r.Jobs = []runner.JobResult{{Job: "A", Index: 0, Status: runner.StatusFailure, Deploy: runner.DeployNotTriggered}}
	require.NoError(t, s.Save(ctx, r))

	r.Status = runner.StatusSuccess
	r.Jobs = nil
	require.NoError(t, s.Save(ctx, r))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, got.Status)
	assert.Empty(t, got.Jobs)
}

func TestGetUnknownRun(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, runReport("r1", "master", runner.StatusSuccess, base)))
	require.NoError(t, s.Save(ctx, runReport("r2", "dev", runner.StatusFailure, base.Add(time.Hour))))
	require.NoError(t, s.Save(ctx, runReport("r3", "master", runner.StatusFailure, base.Add(2*time.Hour))))

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

	master, err := s.List(ctx, ListOptions{Branch: "master", Limit: 1})
	require.NoError(t, err)
	require.Len(t, master, 1)
	assert.Equal(t, "r3", master[0].RunID)
}

func TestLastStatus(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := s.LastStatus(ctx, "master")
	require.NoError(t, err)
	assert.False(t, ok)

	// Sub-second precision must still order correctly.
	require.NoError(t, s.Save(ctx, runReport("r1", "master", runner.StatusFailure, base.Add(500*time.Millisecond))))
	require.NoError(t, s.Save(ctx, runReport("r2", "master", runner.StatusSuccess, base.Add(time.Second))))
	require.NoError(t, s.Save(ctx, runReport("r3", "dev", runner.StatusFailure, base.Add(time.Hour))))

	status, ok, err := s.LastStatus(ctx, "master")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, runner.StatusSuccess, status)
}

func TestDeleteBefore(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	old := runReport("old", "master", runner.StatusSuccess, base)
	old.Jobs = []runner.JobResult{{
		Job:    "A",
		Status: runner.StatusSuccess,
		Deploy: runner.DeployNotTriggered,
		Steps:  []runner.StepResult{{Command: "make"}},
	}}
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, runReport("new", "master", runner.StatusSuccess, base.Add(48*time.Hour))))

	ids, err := s.DeleteBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)

	ids, err = s.DeleteBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}
