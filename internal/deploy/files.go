package deploy

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// matchFiles expands workspace-relative glob patterns into the sorted,
// de-duplicated list of regular files they cover. Matched directories are
// walked. Matches outside the workspace are rejected.
func matchFiles(workspace string, patterns []string) ([]string, error) {
	if workspace == "" {
		return nil, fmt.Errorf("no workspace to deploy from")
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no paths configured")
	}

	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		if filepath.IsAbs(pattern) {
			return nil, fmt.Errorf("path %q must be relative to the workspace", pattern)
		}
		matches, err := filepath.Glob(filepath.Join(workspace, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched nothing", pattern)
		}
		for _, match := range matches {
			if err := collect(workspace, match, seen); err != nil {
				return nil, err
			}
		}
	}

	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	slices.Sort(out)
	return out, nil
}

func collect(workspace, path string, seen map[string]struct{}) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(workspace, p)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", p, err)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("path %q escapes the workspace", p)
		}
		seen[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
}
