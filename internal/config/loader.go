package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// File names searched by Discover, in order.
const (
	DefaultFileName = ".gantry.yml"
	AltFileName     = ".gantry.yaml"
)

// ConfigEnvVar names an explicit config path.
const ConfigEnvVar = "GANTRY_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and validates the configuration at configPath. A
// directory is searched for DefaultFileName then AltFileName.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHashes(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Dir = filepath.Dir(absPath)

	interpolateFields(cfg)
	if err := loadEnvFile(cfg); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file: $GANTRY_CONFIG, then ./.gantry.yml, then
// ./.gantry.yaml.
func Discover() (string, error) {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points to %s: %w", ConfigEnvVar, p, err)
		}
		return p, nil
	}
	for _, name := range []string{DefaultFileName, AltFileName} {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ./%s, ./%s)", ConfigEnvVar, DefaultFileName, AltFileName)
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if !info.IsDir() {
		return absPath, nil
	}

	for _, name := range []string{DefaultFileName, AltFileName} {
		candidate := filepath.Join(absPath, name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
}

// parse decodes YAML strictly: unknown keys are errors.
func parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// interpolateFields expands ${VAR} in the fields that carry secrets and
// endpoints. Script lines and job env are left alone; the shell expands
// those at run time.
func interpolateFields(cfg *Config) {
	cfg.Service.StateDir = interpolateEnv(cfg.Service.StateDir)
	cfg.Service.SourceDir = interpolateEnv(cfg.Service.SourceDir)
	cfg.API.Listen = interpolateEnv(cfg.API.Listen)
	cfg.API.Auth.APIKey = interpolateEnv(cfg.API.Auth.APIKey)
	cfg.Pipeline.EnvFile = interpolateEnv(cfg.Pipeline.EnvFile)
	cfg.Hooks.Listen = interpolateEnv(cfg.Hooks.Listen)
	for i := range cfg.Hooks.Endpoints {
		cfg.Hooks.Endpoints[i].Secret = interpolateEnv(cfg.Hooks.Endpoints[i].Secret)
	}
	for i := range cfg.Pipeline.Notifications.Webhooks {
		wh := &cfg.Pipeline.Notifications.Webhooks[i]
		wh.URL = interpolateEnv(wh.URL)
		wh.Secret = interpolateEnv(wh.Secret)
	}
	interpolateDeploy(cfg.Pipeline.Deploy)
	for i := range cfg.Pipeline.Matrix.Include {
		interpolateDeploy(cfg.Pipeline.Matrix.Include[i].Deploy)
	}
}

func interpolateDeploy(d *DeployConfig) {
	if d == nil {
		return
	}
	d.URL = interpolateEnv(d.URL)
	d.Dest = interpolateEnv(d.Dest)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// left in place; validate reports it where it matters
		return match
	})
}

// loadEnvFile merges pipeline.env_file under pipeline.env. Keys set in
// pipeline.env win.
func loadEnvFile(cfg *Config) error {
	if strings.TrimSpace(cfg.Pipeline.EnvFile) == "" {
		return nil
	}
	path := cfg.resolve(cfg.Pipeline.EnvFile)
	fileEnv, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("pipeline.env_file: %w", err)
	}

	merged := make(map[string]string, len(fileEnv)+len(cfg.Pipeline.Env))
	maps.Copy(merged, fileEnv)
	maps.Copy(merged, cfg.Pipeline.Env)
	cfg.Pipeline.Env = merged
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly
// set and makes relative directories absolute.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.StateDir == "" {
		cfg.Service.StateDir = defaults.Service.StateDir
	}
	if cfg.Service.SourceDir == "" {
		cfg.Service.SourceDir = defaults.Service.SourceDir
	}
	if cfg.Service.Exclude == nil {
		cfg.Service.Exclude = defaults.Service.Exclude
	}
	if cfg.Service.Concurrency == 0 {
		cfg.Service.Concurrency = defaults.Service.Concurrency
	}
	if cfg.Service.StepTimeout == 0 {
		cfg.Service.StepTimeout = defaults.Service.StepTimeout
	}
	if cfg.Service.WorkspaceRetention == 0 {
		cfg.Service.WorkspaceRetention = defaults.Service.WorkspaceRetention
	}
	if cfg.Service.HistoryRetention == 0 {
		cfg.Service.HistoryRetention = defaults.Service.HistoryRetention
	}

	cfg.Service.StateDir = cfg.resolve(cfg.Service.StateDir)
	cfg.Service.SourceDir = cfg.resolve(cfg.Service.SourceDir)

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Hooks.Listen == "" {
		cfg.Hooks.Listen = defaults.Hooks.Listen
	}

	if cfg.Pipeline.Notifications.OnSuccess == "" {
		cfg.Pipeline.Notifications.OnSuccess = defaults.Pipeline.Notifications.OnSuccess
	}
	if cfg.Pipeline.Notifications.OnFailure == "" {
		cfg.Pipeline.Notifications.OnFailure = defaults.Pipeline.Notifications.OnFailure
	}

	return cfg
}

// resolve makes p absolute relative to the config directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// StatePath joins name onto the state directory.
func (c *Config) StatePath(name ...string) string {
	return filepath.Join(append([]string{c.Service.StateDir}, name...)...)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
