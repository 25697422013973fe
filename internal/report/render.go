package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/runner"
)

// maxTailLines bounds the failing step output shown in text reports.
const maxTailLines = 20

// WriteText renders a terminal-friendly run report.
func WriteText(w io.Writer, r *Report) error {
	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", r.RunID)
	fmt.Fprintf(&out, "Branch      : %s\n", renderUnset(r.Branch, "<unknown>"))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Phase       : %s\n", r.Phase)
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&out, "Duration    : %s\n", formatDuration(r.FinishedAt.Sub(r.StartedAt)))
	}
	if r.Notice != nil {
		state := "sent"
		if r.Notice.Suppressed {
			state = "suppressed"
		}
		fmt.Fprintf(&out, "Notify      : %s (%s)\n", r.Notice.Event, state)
	}

	if r.ConfigError != "" {
		fmt.Fprintf(&out, "Config error: %s\n", r.ConfigError)
		_, err := io.WriteString(w, out.String())
		return err
	}

	fmt.Fprintf(&out, "Jobs        : %d\n", len(r.Jobs))
	fmt.Fprintf(&out, "\n")

	for i, job := range r.Jobs {
		writeJob(&out, i+1, job)
	}

	_, err := io.WriteString(w, strings.TrimRight(out.String(), "\n")+"\n")
	return err
}

func writeJob(out *strings.Builder, n int, job runner.JobResult) {
	kind := Classify(job)
	fmt.Fprintf(out, "[%d] %s\n", n, job.Job)
	fmt.Fprintf(out, "    result     : %s\n", kind)
	if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
		fmt.Fprintf(out, "    duration   : %s\n", formatDuration(job.FinishedAt.Sub(job.StartedAt)))
	}
	fmt.Fprintf(out, "    steps      : %d run\n", len(job.Steps))

	switch kind {
	case KindScriptFailure:
		step, _ := job.FailedStep()
		if step.TimedOut {
			fmt.Fprintf(out, "    failed     : step %d `%s` timed out\n", step.Index+1, step.Command)
		} else {
			fmt.Fprintf(out, "    failed     : step %d `%s` exited %d\n", step.Index+1, step.Command, step.ExitCode)
		}
		if step.Error != "" {
			fmt.Fprintf(out, "    error      : %s\n", step.Error)
		}
		writeTail(out, step)
	case KindError:
		fmt.Fprintf(out, "    error      : %s\n", renderUnset(job.Error, "<unknown>"))
	case KindCancelled:
		if len(job.Steps) == 0 {
			fmt.Fprintf(out, "    cancelled  : before start\n")
		} else {
			last := job.Steps[len(job.Steps)-1]
			fmt.Fprintf(out, "    cancelled  : during step %d `%s`\n", last.Index+1, last.Command)
		}
	}

	fmt.Fprintf(out, "    deploy     : %s\n", job.Deploy)
	if job.Deploy == runner.DeployFailure {
		fmt.Fprintf(out, "    deploy err : %s\n", renderUnset(job.DeployError, "<unknown>"))
		if job.DeployStep != nil {
			writeTail(out, *job.DeployStep)
		}
	}
	if job.KeptWorkspace {
		fmt.Fprintf(out, "    workspace  : %s (kept)\n", job.Workspace)
	}
	fmt.Fprintf(out, "\n")
}

func writeTail(out *strings.Builder, step runner.StepResult) {
	text := strings.TrimRight(step.Stdout+step.Stderr, "\n")
	if text == "" {
		return
	}
	lines := strings.Split(text, "\n")
	if len(lines) > maxTailLines {
		lines = lines[len(lines)-maxTailLines:]
	}
	fmt.Fprintf(out, "    output     :\n")
	for _, line := range lines {
		fmt.Fprintf(out, "      %s\n", line)
	}
	if step.OutputRef != "" {
		fmt.Fprintf(out, "    full log   : %s\n", step.OutputRef)
	}
}

// WriteJSON renders the machine-readable run report.
func WriteJSON(w io.Writer, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json report: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
