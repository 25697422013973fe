package pipeline

import (
	"maps"
	"slices"
	"strings"
)

// DefaultJobName is used when a job has no explicit name and its
// environment does not differ from the base environment.
const DefaultJobName = "default"

// Validate checks that cfg expands into a usable job set.
func Validate(cfg Config) error {
	_, err := Expand(cfg)
	return err
}

// Expand resolves the matrix into jobs, preserving include order. With no
// include entries the base configuration yields a single job.
func Expand(cfg Config) ([]Job, error) {
	overrides := cfg.Include
	if len(overrides) == 0 {
		overrides = []JobOverride{{}}
	}

	jobs := make([]Job, 0, len(overrides))
	seen := make(map[string]int, len(overrides))
	for i, o := range overrides {
		job := resolve(cfg, o, i)
		if len(job.Scripts) == 0 {
			return nil, &ConfigError{Kind: ErrEmptyScripts, Job: job.Name, Index: i}
		}
		if _, dup := seen[job.Name]; dup {
			return nil, &ConfigError{Kind: ErrDuplicateJobName, Job: job.Name, Index: i}
		}
		seen[job.Name] = i
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func resolve(cfg Config, o JobOverride, index int) Job {
	env := make(map[string]string, len(cfg.Env)+len(o.Env))
	maps.Copy(env, cfg.Env)
	maps.Copy(env, o.Env)

	scripts := cfg.Scripts
	if o.Scripts != nil {
		scripts = o.Scripts
	}

	deploy := cfg.Deploy
	if o.Deploy != nil {
		deploy = o.Deploy
	}

	name := o.Name
	if name == "" {
		name = synthesizeName(cfg.Env, env)
	}

	return Job{
		Name:    name,
		Index:   index,
		Env:     env,
		Scripts: slices.Clone(scripts),
		Deploy:  deploy,
	}
}

// synthesizeName joins KEY=value pairs that differ from base, sorted by key.
func synthesizeName(base, env map[string]string) string {
	keys := slices.Sorted(maps.Keys(env))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := base[k]; ok && v == env[k] {
			continue
		}
		parts = append(parts, k+"="+env[k])
	}
	if len(parts) == 0 {
		return DefaultJobName
	}
	return strings.Join(parts, " ")
}
