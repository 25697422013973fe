// Package config loads the gantry YAML configuration.
package config

import "time"

// Config represents the complete gantry configuration.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	API       APIConfig        `yaml:"api,omitempty"`
	Hooks     HooksConfig      `yaml:"hooks,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`

	// Path is the absolute path of the loaded file.
	Path string `yaml:"-"`
	// Dir is the directory relative paths resolve against.
	Dir string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name               string        `yaml:"name"`
	LogLevel           string        `yaml:"log_level"`
	StateDir           string        `yaml:"state_dir"`
	SourceDir          string        `yaml:"source_dir"`
	Exclude            []string      `yaml:"exclude,omitempty"`
	Concurrency        int           `yaml:"concurrency"`
	FailFast           bool          `yaml:"fail_fast"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
	HistoryRetention   time.Duration `yaml:"history_retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// HooksConfig defines inbound push webhooks that trigger runs while
// serving.
type HooksConfig struct {
	Listen    string               `yaml:"listen"`
	Endpoints []HookEndpointConfig `yaml:"endpoints,omitempty"`
}

// HookEndpointConfig is one signed push endpoint.
type HookEndpointConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
	// SignatureHeader defaults to X-Hub-Signature-256.
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// ScheduleConfig starts runs periodically while serving.
type ScheduleConfig struct {
	Name   string        `yaml:"name,omitempty"`
	Branch string        `yaml:"branch,omitempty"`
	// Every is hourly, daily, weekly or a Go duration such as 30m.
	Every  string        `yaml:"every"`
	Jitter time.Duration `yaml:"jitter,omitempty"`
}

// PipelineConfig is the build description: base environment, default
// scripts, the matrix and the notification policy.
type PipelineConfig struct {
	Env           map[string]string   `yaml:"env,omitempty"`
	EnvFile       string              `yaml:"env_file,omitempty"`
	Script        []string            `yaml:"script"`
	Deploy        *DeployConfig       `yaml:"deploy,omitempty"`
	Matrix        MatrixConfig        `yaml:"matrix,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications,omitempty"`
}

// MatrixConfig lists the explicit matrix entries.
type MatrixConfig struct {
	Include []IncludeConfig `yaml:"include"`
}

// IncludeConfig is one matrix entry. An absent script inherits the pipeline
// script; a present one (even empty) replaces it.
type IncludeConfig struct {
	Name   string            `yaml:"name,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`
	Script []string          `yaml:"script,omitempty"`
	Deploy *DeployConfig     `yaml:"deploy,omitempty"`
}

// DeployConfig selects a deploy provider and the branch it runs on.
type DeployConfig struct {
	Provider    string   `yaml:"provider"`
	Script      string   `yaml:"script,omitempty"`
	Paths       []string `yaml:"paths,omitempty"`
	Dest        string   `yaml:"dest,omitempty"`
	URL         string   `yaml:"url,omitempty"`
	TokenEnv    string   `yaml:"token_env,omitempty"`
	On          OnConfig `yaml:"on"`
	SkipCleanup bool     `yaml:"skip_cleanup,omitempty"`
}

// OnConfig restricts a deploy to a branch.
type OnConfig struct {
	Branch string `yaml:"branch"`
}

// NotificationsConfig defines when and where run outcomes are announced.
type NotificationsConfig struct {
	OnSuccess string          `yaml:"on_success,omitempty"`
	OnFailure string          `yaml:"on_failure,omitempty"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one notification endpoint.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret,omitempty"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:               "gantry",
			LogLevel:           "info",
			StateDir:           "./.gantry",
			SourceDir:          ".",
			Exclude:            []string{".git"},
			Concurrency:        1,
			StepTimeout:        30 * time.Minute,
			WorkspaceRetention: 7 * 24 * time.Hour,
			HistoryRetention:   30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Hooks: HooksConfig{
			Listen: "127.0.0.1:8081",
		},
		Pipeline: PipelineConfig{
			Notifications: NotificationsConfig{
				OnSuccess: "change",
				OnFailure: "always",
			},
		},
	}
}
