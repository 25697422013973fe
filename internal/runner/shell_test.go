package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gantry/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func TestShellExecutorCapturesOutputAndExitCode(t *testing.T) {
	e := NewShellExecutor()

	res, err := e.RunCommand(context.Background(), Command{
		Line: `echo "out $GREETING"; echo err >&2; exit 3`,
		Env:  map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out hello\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
	assert.False(t, res.TimedOut)
}

func TestShellExecutorRunsInDir(t *testing.T) {
	dir := t.TempDir()
	e := NewShellExecutor()

	res, err := e.RunCommand(context.Background(), Command{Line: "touch marker", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	_, err = os.Stat(filepath.Join(dir, "marker"))
	assert.NoError(t, err)
}

func TestShellExecutorTimeout(t *testing.T) {
	e := NewShellExecutor()
	e.Grace = 100 * time.Millisecond

	start := time.Now()
	res, err := e.RunCommand(context.Background(), Command{Line: "sleep 10", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellExecutorCancel(t *testing.T) {
	e := NewShellExecutor()
	e.Grace = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := e.RunCommand(ctx, Command{Line: "sleep 10"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShellExecutorAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	_, err := NewShellExecutor().RunCommand(ctx, Command{Line: "touch marker", Dir: dir})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(dir, "marker"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin", "RUST=stable", "HOME=/root"}, map[string]string{"RUST": "nightly", "B": "2"})
	joined := strings.Join(got, ",")
	assert.Equal(t, "PATH=/bin,HOME=/root,B=2,RUST=nightly", joined)
}

func TestStaticBranch(t *testing.T) {
	b, err := StaticBranch("master").CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "master", b)

	_, err = StaticBranch(" ").CurrentBranch(context.Background())
	assert.Error(t, err)
}

func TestGitBranchEnvOverride(t *testing.T) {
	t.Setenv(BranchEnvVar, "release-1")
	b, err := GitBranch{Dir: t.TempDir()}.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "release-1", b)
}
