package inspect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/gantry/internal/logstore"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
)

func recordedRun(t *testing.T) *report.Report {
	t.Helper()
	tmpDir := t.TempDir()

	logs, err := logstore.New(filepath.Join(tmpDir, "logs"))
	if err != nil {
		t.Fatalf("logstore.New: %v", err)
	}
	buildRef, buildDigest, err := logs.Save("run-1", pipeline.Job{Name: "docs", Index: 1}, 0, []byte("building\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	testRef, testDigest, err := logs.Save("run-1", pipeline.Job{Name: "docs", Index: 1}, 1, []byte("testing\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	workspace := filepath.Join(tmpDir, "workspaces", "run-1-01-docs")
	if err := os.MkdirAll(filepath.Join(workspace, "site"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "site", "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	return &report.Report{
		RunID:  "run-1",
		Branch: "master",
		Status: runner.StatusSuccess,
		Jobs: []runner.JobResult{
			{
				Job:    "unit",
				Status: runner.StatusSuccess,
				Deploy: runner.DeployNotTriggered,
				Steps:  []runner.StepResult{{Index: 0, Command: "make"}},
			},
			{
				Job:    "docs",
				Index:  1,
				Status: runner.StatusSuccess,
				Deploy: runner.DeploySuccess,
				Steps: []runner.StepResult{
					{Index: 0, Command: "make docs", OutputRef: buildRef, OutputDigest: buildDigest},
					{Index: 1, Command: "make check", OutputRef: testRef, OutputDigest: testDigest},
				},
				DeployStep:    &runner.StepResult{Index: 2, Command: "./publish.sh"},
				Workspace:     workspace,
				KeptWorkspace: true,
			},
		},
	}
}

func TestBuildReportRendersStepsAndArtifacts(t *testing.T) {
	t.Parallel()
	rep := recordedRun(t)

	text, err := BuildReport(rep)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Run ID      : run-1",
		"Branch      : master",
		"[1] unit (success, deploy not_triggered)",
		"[2] docs (success, deploy success)",
		"(kept)",
		"step 1     : make docs (exit 0)",
		"deploy     : ./publish.sh (exit 0)",
		"[ok]",
		"<not stored> [none]",
		"- site/index.html",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
}

func TestBuildDetectsTamperedAndMissingLogs(t *testing.T) {
	t.Parallel()
	rep := recordedRun(t)
	steps := rep.Jobs[1].Steps
	if err := os.WriteFile(steps[0].OutputRef, []byte("edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(steps[1].OutputRef); err != nil {
		t.Fatal(err)
	}

	r, err := Build(rep)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := r.Jobs[1].Steps
	if got[0].Integrity != LogMismatch || got[0].Detail == "" {
		t.Errorf("step 0 = %+v, want mismatch with detail", got[0])
	}
	if got[1].Integrity != LogMissing {
		t.Errorf("step 1 integrity = %q, want %q", got[1].Integrity, LogMissing)
	}
	if !r.Tampered() {
		t.Error("Tampered() = false, want true")
	}
}

func TestBuildSkipsArtifactsOfReleasedWorkspaces(t *testing.T) {
	t.Parallel()
	rep := recordedRun(t)
	rep.Jobs[1].KeptWorkspace = false

	r, err := Build(rep)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.Jobs[1].Artifacts) != 0 {
		t.Errorf("artifacts = %v, want none", r.Jobs[1].Artifacts)
	}
	if r.Tampered() {
		t.Error("Tampered() = true, want false")
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	out, err := BuildJSONReport(recordedRun(t))
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var r Report
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.RunID != "run-1" || len(r.Jobs) != 2 {
		t.Fatalf("report = %+v", r)
	}
	docs := r.Jobs[1]
	if len(docs.Steps) != 3 || !docs.Steps[2].Deploy {
		t.Fatalf("docs steps = %+v", docs.Steps)
	}
	if len(docs.Artifacts) != 1 || docs.Artifacts[0] != "site/index.html" {
		t.Fatalf("artifacts = %v", docs.Artifacts)
	}
}
