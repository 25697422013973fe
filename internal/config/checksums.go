package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the config file.
const ChecksumFile = ".checksums"

// ChecksumManifest maps config-relative file paths to BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is one entry written by Lock.
type LockedFile struct {
	Name string
	Hash string
}

// LockReport describes a written manifest.
type LockReport struct {
	ChecksumPath string
	Files        []LockedFile
}

// IntegrityResult is the outcome of Check.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes the config file and its env_file and writes the manifest.
func Lock(configPath string) (*LockReport, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	names, err := lockedNames(absPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(absPath)
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(names)),
	}
	report := &LockReport{ChecksumPath: filepath.Join(dir, ChecksumFile)}

	for _, name := range names {
		hash, err := ComputeBlake3Hash(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, LockedFile{Name: name, Hash: hash})
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return report, nil
}

// lockedNames lists the files covered by the manifest, relative to the
// config directory: the config file itself and an env_file inside that
// directory.
func lockedNames(absPath string) ([]string, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	dir := filepath.Dir(absPath)
	names := []string{filepath.Base(absPath)}
	if envFile := interpolateEnv(cfg.Pipeline.EnvFile); envFile != "" {
		p := envFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		rel, err := filepath.Rel(dir, p)
		if err == nil && fileExists(p) && !strings.HasPrefix(rel, "..") {
			names = append(names, filepath.ToSlash(rel))
		}
	}
	slices.Sort(names)
	return names, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'gantry config lock'): %w", err)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version %d", manifest.Version)
	}
	return &manifest, nil
}

// Check verifies the manifest next to configPath without loading the
// configuration. A missing manifest is a warning.
func Check(configPath string) (*IntegrityResult, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(dir)
	if errors.Is(err, os.ErrNotExist) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no %s manifest found in %s; run 'gantry config lock' to enable integrity verification", ChecksumFile, dir))
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	base := filepath.Base(absPath)
	if _, ok := manifest.Hashes[base]; !ok {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("config file %s not in %s manifest", base, ChecksumFile))
	}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		actual, err := ComputeBlake3Hash(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", name, err))
			continue
		}
		if actual != manifest.Hashes[name] {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", name, manifest.Hashes[name], actual))
		}
	}
	return result, nil
}

// verifyConfigHashes fails Load when a manifest exists and does not match.
func verifyConfigHashes(absPath string) error {
	result, err := Check(absPath)
	if err != nil {
		return err
	}
	if !result.Passed {
		return fmt.Errorf("config verification failed: %s\n"+
			"If you edited these files intentionally, run: gantry config lock --config %s",
			result.Errors[0], absPath)
	}
	return nil
}
