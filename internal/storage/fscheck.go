package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// networkFilesystems are filesystem types where flock(2) and SQLite's
// locking cannot be trusted.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"v9fs":   {},
	"webdav": {},
}

// FilesystemError reports a state path that lives on a network filesystem.
type FilesystemError struct {
	Path    string
	FSType  string
	Purpose string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; gantry needs a local filesystem for reliable locking. Set service.state_dir to a local directory",
		e.Purpose, e.Path, e.FSType)
}

// RequireLocalFilesystem fails with a *FilesystemError when path (or its
// nearest existing parent) is on a network filesystem. purpose names the
// path in the error, e.g. "state directory".
func RequireLocalFilesystem(path, purpose string) error {
	return requireLocal(path, purpose, detectFilesystemType)
}

// fsTypeName converts a NUL-terminated statfs type name to a string.
func fsTypeName[T ~int8 | ~uint8](raw []T) string {
	name := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		name = append(name, byte(c))
	}
	return string(name)
}

func requireLocal(path, purpose string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}

	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", purpose, path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Path: path, FSType: fsType, Purpose: purpose}
	}
	return nil
}

// nearestExistingPath walks up from path until something exists, so a state
// directory can be checked before it is created.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
