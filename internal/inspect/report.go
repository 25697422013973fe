// Package inspect renders a recorded run for forensic review: every step's
// stored log with its integrity verdict, and the files left in kept
// workspaces.
package inspect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/gantry/internal/logstore"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
)

// Log integrity verdicts.
const (
	LogOK       = "ok"
	LogMismatch = "mismatch"
	LogMissing  = "missing"
	LogNone     = "none"
)

// Report is the structured JSON representation of an inspected run.
type Report struct {
	RunID  string `json:"run_id"`
	Branch string `json:"branch"`
	Status string `json:"status"`
	Jobs   []Job  `json:"jobs"`
}

// Job is one inspected job.
type Job struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Deploy    string   `json:"deploy"`
	Workspace string   `json:"workspace,omitempty"`
	Kept      bool     `json:"kept"`
	Artifacts []string `json:"artifacts,omitempty"`
	Steps     []Step   `json:"steps"`
}

// Step is one executed command and its stored output.
type Step struct {
	Index     int    `json:"index"`
	Deploy    bool   `json:"deploy,omitempty"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	LogRef    string `json:"log_ref,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Integrity string `json:"integrity"`
	Detail    string `json:"detail,omitempty"`
}

// Build inspects rep against the files on disk.
func Build(rep *report.Report) (*Report, error) {
	out := &Report{
		RunID:  rep.RunID,
		Branch: rep.Branch,
		Status: string(rep.Status),
		Jobs:   make([]Job, 0, len(rep.Jobs)),
	}

	for _, jr := range rep.Jobs {
		job := Job{
			Name:      jr.Job,
			Status:    string(jr.Status),
			Deploy:    string(jr.Deploy),
			Workspace: jr.Workspace,
			Kept:      jr.KeptWorkspace,
			Steps:     make([]Step, 0, len(jr.Steps)+1),
		}
		for _, sr := range jr.Steps {
			job.Steps = append(job.Steps, inspectStep(sr, false))
		}
		if jr.DeployStep != nil {
			job.Steps = append(job.Steps, inspectStep(*jr.DeployStep, true))
		}
		if jr.KeptWorkspace && jr.Workspace != "" {
			artifacts, err := listArtifacts(jr.Workspace)
			if err != nil {
				return nil, fmt.Errorf("list workspace %s: %w", jr.Workspace, err)
			}
			job.Artifacts = artifacts
		}
		out.Jobs = append(out.Jobs, job)
	}
	return out, nil
}

func inspectStep(sr runner.StepResult, deploy bool) Step {
	st := Step{
		Index:     sr.Index,
		Deploy:    deploy,
		Command:   sr.Command,
		ExitCode:  sr.ExitCode,
		LogRef:    sr.OutputRef,
		Digest:    sr.OutputDigest,
		Integrity: LogNone,
	}
	if sr.OutputRef == "" || sr.OutputDigest == "" {
		return st
	}

	err := logstore.Verify(sr.OutputRef, sr.OutputDigest)
	switch {
	case err == nil:
		st.Integrity = LogOK
	case errors.Is(err, fs.ErrNotExist):
		st.Integrity = LogMissing
	default:
		st.Integrity = LogMismatch
		st.Detail = err.Error()
	}
	return st
}

// BuildReport renders a terminal-friendly inspection of rep.
func BuildReport(rep *report.Report) (string, error) {
	r, err := Build(rep)
	if err != nil {
		return "", err
	}
	return r.Text(), nil
}

// BuildJSONReport returns the inspection of rep as indented JSON.
func BuildJSONReport(rep *report.Report) (string, error) {
	r, err := Build(rep)
	if err != nil {
		return "", err
	}
	return r.JSON()
}

// Text renders the inspection for a terminal.
func (r *Report) Text() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Run Inspection\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", r.RunID)
	fmt.Fprintf(&out, "Branch      : %s\n", renderUnset(r.Branch, "<unknown>"))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Jobs        : %d\n", len(r.Jobs))
	fmt.Fprintf(&out, "\n")

	for i, job := range r.Jobs {
		fmt.Fprintf(&out, "[%d] %s (%s, deploy %s)\n", i+1, job.Name, job.Status, job.Deploy)
		if job.Kept {
			fmt.Fprintf(&out, "    workspace  : %s (kept)\n", job.Workspace)
		} else {
			fmt.Fprintf(&out, "    workspace  : %s\n", renderUnset(job.Workspace, "<none>"))
		}

		for _, st := range job.Steps {
			label := fmt.Sprintf("step %d", st.Index+1)
			if st.Deploy {
				label = "deploy"
			}
			fmt.Fprintf(&out, "    %-10s : %s (exit %d)\n", label, st.Command, st.ExitCode)
			fmt.Fprintf(&out, "    %-10s   log %s [%s]\n", "", renderUnset(st.LogRef, "<not stored>"), st.Integrity)
		}

		if len(job.Artifacts) > 0 {
			fmt.Fprintf(&out, "    artifacts  :\n")
			for _, a := range job.Artifacts {
				fmt.Fprintf(&out, "      - %s\n", a)
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// JSON renders the inspection as indented JSON.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal inspection: %w", err)
	}
	return string(data), nil
}

// Tampered reports whether any stored step log failed verification.
func (r *Report) Tampered() bool {
	for _, job := range r.Jobs {
		for _, st := range job.Steps {
			if st.Integrity == LogMismatch {
				return true
			}
		}
	}
	return false
}

func listArtifacts(workspaceDir string) ([]string, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
