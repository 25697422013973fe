package runner

import (
	"context"
	"time"

	"github.com/mattjoyce/gantry/internal/pipeline"
)

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/mattjoyce/gantry/internal/runner Executor,OutputSink

// Command is one script line to execute.
type Command struct {
	Line    string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// CommandResult is what the execution environment reports for a command.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
}

// Executor runs a single command to completion. A non-zero exit is reported
// through CommandResult, not as an error; errors mean the command could not
// be run at all or ctx was cancelled.
type Executor interface {
	RunCommand(ctx context.Context, cmd Command) (CommandResult, error)
}

// OutputSink stores the full output of a step and returns a reference to it
// together with a content digest. Jobs are told apart by index, not name.
type OutputSink interface {
	Save(runID string, job pipeline.Job, step int, output []byte) (ref string, digest string, err error)
}

// BranchResolver supplies the branch the pipeline is running for.
type BranchResolver interface {
	CurrentBranch(ctx context.Context) (string, error)
}
