package deploy

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/gantry/internal/runner"
)

// ManifestFile lists every copied artifact with its blake3 digest.
const ManifestFile = "MANIFEST.blake3"

type artifactProvider struct {
	paths []string
	dest  string
	root  string
}

func (p *artifactProvider) Execute(ctx context.Context, t Target) (*runner.StepResult, error) {
	dest := strings.TrimSpace(os.Expand(p.dest, func(key string) string { return t.Env[key] }))
	if dest == "" {
		return nil, fmt.Errorf("artifact deploy: no destination configured")
	}
	if !filepath.IsAbs(dest) && p.root != "" {
		dest = filepath.Join(p.root, dest)
	}

	files, err := matchFiles(t.Workspace, p.paths)
	if err != nil {
		return nil, fmt.Errorf("artifact deploy: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("artifact deploy: create destination: %w", err)
	}

	var manifest strings.Builder
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest, err := copyArtifact(filepath.Join(t.Workspace, filepath.FromSlash(rel)), filepath.Join(dest, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("artifact deploy: %w", err)
		}
		fmt.Fprintf(&manifest, "%s  %s\n", digest, rel)
	}

	if err := os.WriteFile(filepath.Join(dest, ManifestFile), []byte(manifest.String()), 0o644); err != nil {
		return nil, fmt.Errorf("artifact deploy: write manifest: %w", err)
	}
	return nil, nil
}

// copyArtifact copies src to dst and returns the blake3 hex digest of the
// bytes written.
func copyArtifact(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create %q: %w", filepath.Dir(dst), err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create %q: %w", dst, err)
	}

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy %q: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", dst, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
