package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/gantry/internal/log"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// ShellExecutor runs script lines with `sh -c` in their own process group.
type ShellExecutor struct {
	Shell  string
	Grace  time.Duration
	logger *slog.Logger
}

var _ Executor = (*ShellExecutor)(nil)

// NewShellExecutor returns an executor using /bin/sh.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		Shell:  "sh",
		Grace:  terminationGracePeriod,
		logger: log.WithComponent("executor"),
	}
}

// RunCommand runs cmd.Line and waits for it. On timeout the process group is
// sent SIGTERM, then SIGKILL after the grace period, and the result is
// marked TimedOut. On ctx cancellation the same termination happens and
// ctx.Err() is returned.
func (e *ShellExecutor) RunCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	// Not CommandContext: termination is handled below so the whole process
	// group gets the grace period.
	c := exec.Command(e.Shell, "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.Wait()
	}()

	var timeoutC <-chan time.Time
	if cmd.Timeout > 0 {
		timer := time.NewTimer(cmd.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-waitErr:
		res := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				res.ExitCode = -1
				return res, fmt.Errorf("wait for process: %w", err)
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil

	case <-timeoutC:
		e.logger.Warn("command timed out, sending SIGTERM", "command", cmd.Line, "timeout", cmd.Timeout)
		e.terminate(c, waitErr)
		return CommandResult{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), TimedOut: true}, nil

	case <-ctx.Done():
		e.logger.Info("command cancelled, sending SIGTERM", "command", cmd.Line)
		e.terminate(c, waitErr)
		return CommandResult{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}
}

// terminate signals the process group and waits for the process to exit.
func (e *ShellExecutor) terminate(c *exec.Cmd, waitErr <-chan error) {
	if c.Process == nil {
		return
	}
	pgid := -c.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.Grace)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		e.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// mergeEnv overlays extra onto base (KEY=value form). Keys in extra win.
func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
