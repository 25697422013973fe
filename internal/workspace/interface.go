package workspace

import (
	"context"
	"time"
)

// Workspace is the directory a single job's scripts run in.
type Workspace struct {
	ID  string
	Dir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs job workspace lifecycle.
type Manager interface {
	// Prepare creates workspace id, seeded with a copy of srcDir when srcDir
	// is non-empty.
	Prepare(ctx context.Context, id, srcDir string) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, id string) (Workspace, error)

	// Release removes a workspace once its job no longer needs it.
	Release(ctx context.Context, id string) error

	// Cleanup removes retained workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
