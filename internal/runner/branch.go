package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// BranchEnvVar overrides branch detection, e.g. when running detached in CI.
const BranchEnvVar = "GANTRY_BRANCH"

// StaticBranch is a BranchResolver for a branch known up front (a flag or
// an API request).
type StaticBranch string

func (b StaticBranch) CurrentBranch(context.Context) (string, error) {
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("branch is empty")
	}
	return string(b), nil
}

// GitBranch resolves the branch from $GANTRY_BRANCH or the git checkout in Dir.
type GitBranch struct {
	Dir string
}

func (g GitBranch) CurrentBranch(ctx context.Context) (string, error) {
	if b := strings.TrimSpace(os.Getenv(BranchEnvVar)); b != "" {
		return b, nil
	}

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("detached HEAD in %s; set %s", g.Dir, BranchEnvVar)
	}
	return branch, nil
}
