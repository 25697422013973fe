// Package doctor lints a loaded gantry configuration: problems the loader
// accepts but that will make runs fail or surprise.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/pipeline"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Jobs     int     `json:"jobs"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg    *config.Config
	jobs   []pipeline.Job
	getenv func(string) string
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, getenv: os.Getenv}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePipeline(r)
	d.validateAPIConfig(r)
	d.warnUnsignedWebhooks(r)
	d.warnSilentNotifications(r)
	d.warnConcurrency(r)
	d.warnMissingCredentials(r)
	d.warnMissingDeployScripts(r)
	d.warnSharedArtifactDest(r)
	d.warnKeptWorkspaces(r)

	r.Jobs = len(d.jobs)
	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validatePipeline expands the matrix; every later check works on the jobs.
func (d *Doctor) validatePipeline(r *Result) {
	pcfg, err := d.cfg.BuildPipeline()
	if err != nil {
		d.addError(r, "pipeline", "", err.Error())
		return
	}
	jobs, err := pipeline.Expand(pcfg)
	if err != nil {
		d.addError(r, "pipeline", "", err.Error())
		return
	}
	d.jobs = jobs
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if strings.TrimSpace(d.cfg.API.Auth.APIKey) == "" {
		d.addWarning(r, "api", "api.auth.api_key", "no api key set; every route except /healthz will answer 401")
	}
}

func (d *Doctor) warnUnsignedWebhooks(r *Result) {
	for i, wh := range d.cfg.Pipeline.Notifications.Webhooks {
		if wh.Secret == "" {
			d.addWarning(r, "notifications", fmt.Sprintf("pipeline.notifications.webhooks[%d].secret", i),
				"no secret; deliveries to "+wh.URL+" are unsigned")
		}
	}
}

func (d *Doctor) warnSilentNotifications(r *Result) {
	n := d.cfg.Pipeline.Notifications
	if len(n.Webhooks) == 0 {
		return
	}
	if pipeline.NotifyWhen(n.OnSuccess) == pipeline.NotifyNever && pipeline.NotifyWhen(n.OnFailure) == pipeline.NotifyNever {
		d.addWarning(r, "notifications", "pipeline.notifications",
			"on_success and on_failure are both never; webhooks will never be called")
	}
}

func (d *Doctor) warnConcurrency(r *Result) {
	if len(d.jobs) > 0 && d.cfg.Service.Concurrency > len(d.jobs) {
		d.addWarning(r, "service", "service.concurrency",
			fmt.Sprintf("concurrency %d exceeds the %d job(s) in the matrix", d.cfg.Service.Concurrency, len(d.jobs)))
	}
}

// warnMissingCredentials flags upload deploys whose token is neither in the
// job environment nor in the process environment.
func (d *Doctor) warnMissingCredentials(r *Result) {
	for _, job := range d.jobs {
		if job.Deploy == nil {
			continue
		}
		up, ok := job.Deploy.Action.(pipeline.UploadAction)
		if !ok || up.TokenEnv == "" {
			continue
		}
		if job.Env[up.TokenEnv] == "" && d.getenv(up.TokenEnv) == "" {
			d.addWarning(r, "deploy", job.Name,
				fmt.Sprintf("upload token %s is not set; the deploy will fail", up.TokenEnv))
		}
	}
}

// warnMissingDeployScripts flags script deploys that run a relative path
// missing from the source tree.
func (d *Doctor) warnMissingDeployScripts(r *Result) {
	for _, job := range d.jobs {
		if job.Deploy == nil {
			continue
		}
		sa, ok := job.Deploy.Action.(pipeline.ScriptAction)
		if !ok {
			continue
		}
		fields := strings.Fields(sa.Command)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "./") {
			continue
		}
		path := filepath.Join(d.cfg.Service.SourceDir, filepath.FromSlash(fields[0]))
		if _, err := os.Stat(path); err != nil {
			d.addWarning(r, "deploy", job.Name, fmt.Sprintf("deploy script %s not found in %s", fields[0], d.cfg.Service.SourceDir))
		}
	}
}

// warnSharedArtifactDest flags jobs that deploy artifacts into the same
// destination; the later job's manifest replaces the earlier one.
func (d *Doctor) warnSharedArtifactDest(r *Result) {
	owners := make(map[string]string)
	for _, job := range d.jobs {
		if job.Deploy == nil {
			continue
		}
		aa, ok := job.Deploy.Action.(pipeline.ArtifactAction)
		if !ok {
			continue
		}
		dest := filepath.Clean(aa.Dest)
		if prev, dup := owners[dest]; dup {
			d.addWarning(r, "deploy", job.Name,
				fmt.Sprintf("artifact dest %s is also used by job %q", aa.Dest, prev))
			continue
		}
		owners[dest] = job.Name
	}
}

func (d *Doctor) warnKeptWorkspaces(r *Result) {
	if d.cfg.Service.WorkspaceRetention > 0 {
		return
	}
	for _, job := range d.jobs {
		if job.Deploy != nil && job.Deploy.SkipCleanup {
			d.addWarning(r, "workspace", job.Name,
				"skip_cleanup keeps workspaces but service.workspace_retention is 0; they are never pruned")
			return
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid: %d job(s).\n", r.Jobs)
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid: %d job(s) (%d warning(s))\n", r.Jobs, len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
