package scheduler

import "context"

//go:generate mockgen -destination=mocks/mock_launcher.go -package=mocks github.com/mattjoyce/gantry/internal/scheduler Launcher

// Launcher starts a run in the background. An empty branch means the
// branch of the source checkout.
type Launcher interface {
	Launch(ctx context.Context, branch string) (runID, resolvedBranch string, err error)
}
