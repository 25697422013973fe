// Package log holds the process-wide structured logger.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup installs a JSON logger on stdout at level. It only takes effect once
// per process.
func Setup(level string) {
	SetupWriter(os.Stdout, level)
}

// SetupWriter is Setup with an explicit destination. Commands whose stdout is
// a report or a TUI log to stderr instead.
func SetupWriter(w io.Writer, level string) {
	once.Do(func() {
		logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
		slog.SetDefault(logger)
	})
}

// ParseLevel maps a config log level onto slog. Unknown values mean INFO.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Get returns the process logger, installing an INFO stdout logger if none
// was set up.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent tags records with the emitting component.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithRun tags records with a run id.
func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// WithJob tags records with a run id and the matrix job name.
func WithJob(runID, job string) *slog.Logger {
	return Get().With(slog.String("run_id", runID), slog.String("job", job))
}
