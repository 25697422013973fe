package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyScripts     = errors.New("job has no scripts")
	ErrDuplicateJobName = errors.New("duplicate job name")
)

// ConfigError is a fatal pipeline configuration problem found before any
// job runs.
type ConfigError struct {
	// Kind is ErrEmptyScripts or ErrDuplicateJobName.
	Kind  error
	Job   string
	Index int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("matrix entry %d (%s): %v", e.Index, e.Job, e.Kind)
}

func (e *ConfigError) Unwrap() error { return e.Kind }

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
