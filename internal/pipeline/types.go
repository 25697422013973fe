// Package pipeline holds the in-memory pipeline model and expands a build
// matrix into concrete jobs.
package pipeline

// Config is the resolved pipeline description for one run.
type Config struct {
	// Env is the base environment every job starts from.
	Env map[string]string
	// Include lists the matrix entries in declaration order.
	Include []JobOverride
	// Scripts are the default script lines for jobs that do not override them.
	Scripts []string
	// Deploy is the pipeline-wide deploy rule, inherited by every job that
	// does not carry its own.
	Deploy        *DeployRule
	Notifications NotificationPolicy
}

// JobOverride is one matrix include entry. Zero-valued fields inherit the
// pipeline defaults; a non-nil Scripts slice replaces the defaults outright.
type JobOverride struct {
	Name    string
	Env     map[string]string
	Scripts []string
	Deploy  *DeployRule
}

// Job is a fully resolved matrix entry. Jobs are never mutated after Expand.
type Job struct {
	Name    string
	Index   int
	Env     map[string]string
	Scripts []string
	Deploy  *DeployRule
}

// DeployRule publishes something after a job succeeds on a given branch.
type DeployRule struct {
	Action   Action
	OnBranch string
	// SkipCleanup asks the execution environment to keep the job workspace
	// after the deploy step.
	SkipCleanup bool
}

// ActionKind names a deploy provider.
type ActionKind string

const (
	ActionScript   ActionKind = "script"
	ActionArtifact ActionKind = "artifact"
	ActionUpload   ActionKind = "upload"
)

// Action is the provider-specific part of a deploy rule.
type Action interface {
	Kind() ActionKind
}

// ScriptAction runs one more command in the job workspace.
type ScriptAction struct {
	Command string
}

func (ScriptAction) Kind() ActionKind { return ActionScript }

// ArtifactAction copies workspace paths matching Paths into Dest.
type ArtifactAction struct {
	Paths []string
	Dest  string
}

func (ArtifactAction) Kind() ActionKind { return ActionArtifact }

// UploadAction PUTs workspace files matching Paths under URL. The bearer
// token is read from the TokenEnv variable of the job environment.
type UploadAction struct {
	URL      string
	Paths    []string
	TokenEnv string
}

func (UploadAction) Kind() ActionKind { return ActionUpload }

// NotifyWhen controls when a notification event is emitted.
type NotifyWhen string

const (
	NotifyAlways NotifyWhen = "always"
	NotifyNever  NotifyWhen = "never"
	// NotifyChange emits only when the outcome differs from the previous run
	// on the same branch.
	NotifyChange NotifyWhen = "change"
)

// Valid reports whether w is a known policy value.
func (w NotifyWhen) Valid() bool {
	switch w {
	case NotifyAlways, NotifyNever, NotifyChange:
		return true
	}
	return false
}

// NotificationPolicy selects when success and failure notifications go out.
type NotificationPolicy struct {
	OnSuccess NotifyWhen
	OnFailure NotifyWhen
}

// DefaultNotificationPolicy mirrors the usual hosted-CI defaults.
func DefaultNotificationPolicy() NotificationPolicy {
	return NotificationPolicy{
		OnSuccess: NotifyChange,
		OnFailure: NotifyAlways,
	}
}
