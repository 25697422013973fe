package config

import (
	"fmt"

	"github.com/mattjoyce/gantry/internal/pipeline"
)

// BuildPipeline converts the YAML pipeline section into the in-memory model.
func (c *Config) BuildPipeline() (pipeline.Config, error) {
	p := c.Pipeline
	out := pipeline.Config{
		Env:     p.Env,
		Scripts: p.Script,
		Notifications: pipeline.NotificationPolicy{
			OnSuccess: pipeline.NotifyWhen(p.Notifications.OnSuccess),
			OnFailure: pipeline.NotifyWhen(p.Notifications.OnFailure),
		},
	}

	rule, err := deployRule(p.Deploy)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("pipeline.deploy: %w", err)
	}
	out.Deploy = rule

	out.Include = make([]pipeline.JobOverride, 0, len(p.Matrix.Include))
	for i, inc := range p.Matrix.Include {
		rule, err := deployRule(inc.Deploy)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("pipeline.matrix.include[%d].deploy: %w", i, err)
		}
		out.Include = append(out.Include, pipeline.JobOverride{
			Name:    inc.Name,
			Env:     inc.Env,
			Scripts: inc.Script,
			Deploy:  rule,
		})
	}
	return out, nil
}

func deployRule(d *DeployConfig) (*pipeline.DeployRule, error) {
	if d == nil {
		return nil, nil
	}

	var action pipeline.Action
	switch d.Provider {
	case ProviderScript:
		action = pipeline.ScriptAction{Command: d.Script}
	case ProviderArtifact:
		action = pipeline.ArtifactAction{Paths: d.Paths, Dest: d.Dest}
	case ProviderUpload:
		action = pipeline.UploadAction{URL: d.URL, Paths: d.Paths, TokenEnv: d.TokenEnv}
	default:
		return nil, fmt.Errorf("unknown provider %q", d.Provider)
	}

	return &pipeline.DeployRule{
		Action:      action,
		OnBranch:    d.On.Branch,
		SkipCleanup: d.SkipCleanup,
	}, nil
}
