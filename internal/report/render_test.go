package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/gantry/internal/runner"
)

func sampleReport() *Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Report{
		RunID:  "run-abc",
		Branch: "master",
		Phase:  PhaseDone,
		Status: runner.StatusFailure,
		Notice: &Notice{Event: runner.StatusFailure},
		Jobs: []runner.JobResult{
			{Job: "A", Index: 0, Status: runner.StatusSuccess, Deploy: runner.DeployNotTriggered, Steps: []runner.StepResult{{Command: "make"}}},
			{
				Job:    "B",
				Index:  1,
				Status: runner.StatusFailure,
				Deploy: runner.DeployNotTriggered,
				Steps: []runner.StepResult{
					{Index: 0, Command: "make"},
					{Index: 1, Command: "make test", ExitCode: 2, Stderr: "FAIL: TestThing\n", OutputRef: "/logs/run-abc/B/step-1.log"},
				},
			},
			{
				Job:           "C",
				Index:         2,
				Status:        runner.StatusSuccess,
				Deploy:        runner.DeployFailure,
				DeployError:   "deploy command exited with code 1",
				Workspace:     "/ws/C",
				KeptWorkspace: true,
			},
			{Job: "D", Index: 3, Status: runner.StatusCancelled, Deploy: runner.DeployNotTriggered},
		},
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}
}

func TestWriteTextDistinguishesOutcomes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()

	for _, needle := range []string{
		"Run Report",
		"Run ID      : run-abc",
		"Status      : failure",
		"Duration    : 1m30s",
		"Notify      : failure (sent)",
		"Jobs        : 4",
		"[1] A\n    result     : success",
		"[2] B\n    result     : script_failure",
		"failed     : step 2 `make test` exited 2",
		"      FAIL: TestThing",
		"full log   : /logs/run-abc/B/step-1.log",
		"[3] C\n    result     : deploy_failure",
		"deploy err : deploy command exited with code 1",
		"workspace  : /ws/C (kept)",
		"[4] D\n    result     : cancelled",
		"cancelled  : before start",
	} {
		if !strings.Contains(out, needle) {
			t.Fatalf("expected report to contain %q, got:\n%s", needle, out)
		}
	}
}

func TestWriteTextConfigError(t *testing.T) {
	r := &Report{RunID: "run-x", Phase: PhaseDone, Status: runner.StatusFailure, ConfigError: "job 1 (default): no scripts"}

	var buf bytes.Buffer
	if err := WriteText(&buf, r); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Config error: job 1 (default): no scripts") {
		t.Fatalf("missing config error line:\n%s", out)
	}
	if strings.Contains(out, "Jobs") {
		t.Fatalf("config error report must not list jobs:\n%s", out)
	}
	if !strings.Contains(out, "Branch      : <unknown>") {
		t.Fatalf("missing branch placeholder:\n%s", out)
	}
}

func TestWriteTextTailsLongOutput(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "line")
	}
	lines[49] = "last line"
	r := &Report{
		Status: runner.StatusFailure,
		Jobs: []runner.JobResult{{
			Job:    "A",
			Status: runner.StatusFailure,
			Steps:  []runner.StepResult{{Command: "noisy", ExitCode: 1, Stdout: strings.Join(lines, "\n")}},
		}},
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, r); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if got := strings.Count(buf.String(), "      line\n"); got != maxTailLines-1 {
		t.Fatalf("tail lines = %d, want %d", got, maxTailLines-1)
	}
	if !strings.Contains(buf.String(), "      last line\n") {
		t.Fatalf("tail missing final line:\n%s", buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if decoded["run_id"] != "run-abc" || decoded["status"] != "failure" {
		t.Fatalf("unexpected header fields: %v", decoded)
	}
	jobs, ok := decoded["jobs"].([]any)
	if !ok || len(jobs) != 4 {
		t.Fatalf("jobs = %v", decoded["jobs"])
	}
	third := jobs[2].(map[string]any)
	if third["deploy"] != "failure" || third["status"] != "success" {
		t.Fatalf("job C = %v", third)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		r    *Report
		want int
	}{
		{name: "nil", r: nil, want: ExitFailure},
		{name: "success", r: &Report{Status: runner.StatusSuccess}, want: ExitSuccess},
		{name: "failure", r: &Report{Status: runner.StatusFailure}, want: ExitFailure},
		{name: "config error", r: &Report{Status: runner.StatusFailure, ConfigError: "bad"}, want: ExitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.ExitCode(); got != tc.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		res  runner.JobResult
		want Kind
	}{
		{name: "success", res: runner.JobResult{Status: runner.StatusSuccess, Deploy: runner.DeploySuccess}, want: KindSuccess},
		{name: "deploy failure", res: runner.JobResult{Status: runner.StatusSuccess, Deploy: runner.DeployFailure}, want: KindDeployFailure},
		{name: "script failure", res: runner.JobResult{Status: runner.StatusFailure, Steps: []runner.StepResult{{ExitCode: 1}}}, want: KindScriptFailure},
		{name: "infrastructure", res: runner.JobResult{Status: runner.StatusFailure, Error: "prepare workspace"}, want: KindError},
		{name: "cancelled", res: runner.JobResult{Status: runner.StatusCancelled}, want: KindCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.res); got != tc.want {
				t.Fatalf("Classify() = %q, want %q", got, tc.want)
			}
		})
	}
}
