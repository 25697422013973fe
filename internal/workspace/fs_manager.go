package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	exclude map[string]struct{}
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at
// baseDir. Top-level source entries named in exclude are not copied into
// new workspaces; baseDir itself is never copied.
func NewFSManager(baseDir string, exclude ...string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		if name = strings.TrimSpace(name); name != "" {
			ex[name] = struct{}{}
		}
	}

	return &fsWorkspaceManager{
		baseDir: abs,
		exclude: ex,
		now:     time.Now,
	}, nil
}

// Prepare creates the workspace directory for id and copies srcDir into it.
func (m *fsWorkspaceManager) Prepare(ctx context.Context, id, srcDir string) (Workspace, error) {
	path, err := m.resolve(ctx, id)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %q: %w", id, err)
	}

	if strings.TrimSpace(srcDir) != "" {
		if err := m.copyTree(ctx, srcDir, path); err != nil {
			_ = os.RemoveAll(path)
			return Workspace{}, fmt.Errorf("seed workspace %q from %s: %w", id, srcDir, err)
		}
	}

	return Workspace{ID: id, Dir: path}, nil
}

// Open returns an existing workspace.
func (m *fsWorkspaceManager) Open(ctx context.Context, id string) (Workspace, error) {
	path, err := m.resolve(ctx, id)
	if err != nil {
		return Workspace{}, err
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return Workspace{}, fmt.Errorf("open workspace %q: %w", id, err)
	case !info.IsDir():
		return Workspace{}, fmt.Errorf("workspace %q is not a directory", id)
	}
	return Workspace{ID: id, Dir: path}, nil
}

// Release deletes the workspace. A workspace that is already gone is fine.
func (m *fsWorkspaceManager) Release(ctx context.Context, id string) error {
	path, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", id, err)
	}
	return nil
}

// Cleanup deletes every workspace whose directory was last modified at or before
// now-olderThan. Stray files in the base directory are left alone.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if olderThan <= 0 {
		return report, fmt.Errorf("cleanup age must be positive, got %s", olderThan)
	}

	entries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("list workspaces: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// released while we were listing
			continue
		}
		if err != nil {
			return report, fmt.Errorf("stat workspace %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

// resolve validates id and maps it under baseDir.
func (m *fsWorkspaceManager) resolve(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, id), nil
}

// copyTree copies srcDir into dstDir (which must exist). Regular files are
// copied, not linked, so a job can never write through to the source tree.
func (m *fsWorkspaceManager) copyTree(ctx context.Context, srcDir, dstDir string) error {
	srcAbs, err := filepath.Abs(srcDir)
	if err != nil {
		return fmt.Errorf("resolve source directory: %w", err)
	}
	srcInfo, err := os.Stat(srcAbs)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	return filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcAbs {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() && path == m.baseDir {
			return filepath.SkipDir
		}

		relPath, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		if _, skip := m.exclude[relPath]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := copyFile(path, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			// sockets, fifos and devices have no place in a build tree
		}

		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	return nil
}

// validateID accepts a single path element only.
func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("workspace id is empty")
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("workspace id %q must not contain path separators", id)
	case id == "." || id == ".." || filepath.Clean(id) != id || strings.TrimSpace(id) != id:
		return fmt.Errorf("workspace id %q is invalid", id)
	}
	return nil
}
