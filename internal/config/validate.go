package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/pipeline"
)

// Deploy provider names accepted in deploy.provider.
const (
	ProviderScript   = "script"
	ProviderArtifact = "artifact"
	ProviderUpload   = "upload"
)

// validate performs structural validation. Matrix semantics (empty scripts,
// duplicate job names) are checked by Config.Pipeline and pipeline.Validate.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Concurrency < 1 {
		return fmt.Errorf("service.concurrency must be at least 1 (got %d)", cfg.Service.Concurrency)
	}
	if cfg.Service.StepTimeout < 0 {
		return fmt.Errorf("service.step_timeout must not be negative")
	}
	if cfg.Service.WorkspaceRetention < 0 || cfg.Service.HistoryRetention < 0 {
		return fmt.Errorf("service retention periods must not be negative")
	}
	if cfg.Service.StateDir == "" {
		return fmt.Errorf("service.state_dir is required")
	}

	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.Listen) == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	seenHooks := make(map[string]struct{}, len(cfg.Hooks.Endpoints))
	for i, ep := range cfg.Hooks.Endpoints {
		field := fmt.Sprintf("hooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if _, dup := seenHooks[ep.Path]; dup {
			return fmt.Errorf("%s.path %q is already used", field, ep.Path)
		}
		seenHooks[ep.Path] = struct{}{}
		if strings.TrimSpace(ep.Secret) == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := checkUnresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
	}

	seenSchedules := make(map[string]struct{}, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if _, err := ParseInterval(sc.Every); err != nil {
			return fmt.Errorf("%s.every: %w", field, err)
		}
		if sc.Jitter < 0 {
			return fmt.Errorf("%s.jitter must not be negative", field)
		}
		name := sc.ScheduleName()
		if _, dup := seenSchedules[name]; dup {
			return fmt.Errorf("%s: schedule %q is already defined", field, name)
		}
		seenSchedules[name] = struct{}{}
	}

	notif := cfg.Pipeline.Notifications
	if !pipeline.NotifyWhen(notif.OnSuccess).Valid() {
		return fmt.Errorf("pipeline.notifications.on_success must be one of: always, never, change (got %q)", notif.OnSuccess)
	}
	if !pipeline.NotifyWhen(notif.OnFailure).Valid() {
		return fmt.Errorf("pipeline.notifications.on_failure must be one of: always, never, change (got %q)", notif.OnFailure)
	}
	for i, wh := range notif.Webhooks {
		field := fmt.Sprintf("pipeline.notifications.webhooks[%d]", i)
		if err := checkUnresolved(field+".url", wh.URL); err != nil {
			return err
		}
		if err := checkUnresolved(field+".secret", wh.Secret); err != nil {
			return err
		}
		if err := checkURL(field+".url", wh.URL); err != nil {
			return err
		}
	}

	if err := validateDeploy("pipeline.deploy", cfg.Pipeline.Deploy); err != nil {
		return err
	}
	for i, inc := range cfg.Pipeline.Matrix.Include {
		if err := validateDeploy(fmt.Sprintf("pipeline.matrix.include[%d].deploy", i), inc.Deploy); err != nil {
			return err
		}
	}

	return nil
}

func validateDeploy(field string, d *DeployConfig) error {
	if d == nil {
		return nil
	}
	if strings.TrimSpace(d.On.Branch) == "" {
		return fmt.Errorf("%s.on.branch is required", field)
	}

	switch d.Provider {
	case ProviderScript:
		if strings.TrimSpace(d.Script) == "" {
			return fmt.Errorf("%s.script is required for provider %q", field, d.Provider)
		}
	case ProviderArtifact:
		if len(d.Paths) == 0 {
			return fmt.Errorf("%s.paths is required for provider %q", field, d.Provider)
		}
		if strings.TrimSpace(d.Dest) == "" {
			return fmt.Errorf("%s.dest is required for provider %q", field, d.Provider)
		}
	case ProviderUpload:
		if len(d.Paths) == 0 {
			return fmt.Errorf("%s.paths is required for provider %q", field, d.Provider)
		}
		if err := checkUnresolved(field+".url", d.URL); err != nil {
			return err
		}
		if err := checkURL(field+".url", d.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s.provider must be one of: %s, %s, %s (got %q)",
			field, ProviderScript, ProviderArtifact, ProviderUpload, d.Provider)
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL (got %q)", field, raw)
	}
	return nil
}

// ParseInterval converts a schedule's every value to a duration.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}

// ScheduleName is the configured name, or the interval and branch.
func (s ScheduleConfig) ScheduleName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Branch == "" {
		return s.Every
	}
	return s.Every + ":" + s.Branch
}
