// Package logstore keeps the complete output of every script step on disk,
// next to a BLAKE3 digest, so reports can point at it after the in-memory
// copy has been truncated.
package logstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/gantry/internal/pipeline"
)

// Store writes step logs under baseDir/<run>/<index>-<job>/step-<n>.log. The
// job's expansion index keeps two jobs whose names slug alike apart.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir.
func New(baseDir string) (*Store, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	return &Store{baseDir: filepath.Clean(trimmed)}, nil
}

// Save writes output and returns its path and hex BLAKE3 digest.
func (s *Store) Save(runID string, job pipeline.Job, step int, output []byte) (string, string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", "", fmt.Errorf("run id is empty")
	}
	dir := filepath.Join(s.baseDir, pipeline.Slug(runID), fmt.Sprintf("%02d-%s", job.Index, pipeline.Slug(job.Name)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("step-%d.log", step))
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return "", "", fmt.Errorf("write step log: %w", err)
	}

	sum := blake3.Sum256(output)
	return path, hex.EncodeToString(sum[:]), nil
}

// Verify re-hashes the log at path and compares it to digest.
func Verify(path, digest string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read step log: %w", err)
	}
	sum := blake3.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != digest {
		return fmt.Errorf("digest mismatch for %s: expected %s, got %s", path, digest, got)
	}
	return nil
}

// RemoveRun deletes every log written for runID.
func (s *Store) RemoveRun(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is empty")
	}
	return os.RemoveAll(filepath.Join(s.baseDir, pipeline.Slug(runID)))
}
