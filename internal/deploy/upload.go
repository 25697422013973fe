package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/gantry/internal/runner"
)

type uploadProvider struct {
	client   *http.Client
	url      string
	paths    []string
	tokenEnv string
}

func (p *uploadProvider) Execute(ctx context.Context, t Target) (*runner.StepResult, error) {
	base, err := url.Parse(strings.TrimSpace(p.url))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upload deploy: invalid url %q", p.url)
	}

	var token string
	if p.tokenEnv != "" {
		token = t.Env[p.tokenEnv]
		if token == "" {
			token = os.Getenv(p.tokenEnv)
		}
		if token == "" {
			return nil, fmt.Errorf("upload deploy: credential %s is not set", p.tokenEnv)
		}
	}

	files, err := matchFiles(t.Workspace, p.paths)
	if err != nil {
		return nil, fmt.Errorf("upload deploy: %w", err)
	}
	for _, rel := range files {
		if err := p.put(ctx, base, token, t.Workspace, rel); err != nil {
			return nil, fmt.Errorf("upload deploy: %w", err)
		}
	}
	return nil, nil
}

func (p *uploadProvider) put(ctx context.Context, base *url.URL, token, workspace, rel string) error {
	f, err := os.Open(filepath.Join(workspace, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	target := base.JoinPath(strings.Split(rel, "/")...)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), f)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rel, err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w", rel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("put %s: server returned %s", rel, resp.Status)
	}
	return nil
}
