package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/runner"
)

// JobSummary is one job line of a notification.
type JobSummary struct {
	Name   string               `json:"name"`
	Status runner.Status        `json:"status"`
	Deploy runner.DeployOutcome `json:"deploy"`
}

// Notification announces the end of a run.
type Notification struct {
	Event      runner.Status `json:"event"`
	Suppressed bool          `json:"-"`
	RunID      string        `json:"run_id"`
	Branch     string        `json:"branch"`
	Jobs       []JobSummary  `json:"jobs"`
}

// Summarize reduces job results to notification lines.
func Summarize(results []runner.JobResult) []JobSummary {
	out := make([]JobSummary, 0, len(results))
	for _, r := range results {
		out = append(out, JobSummary{Name: r.Job, Status: r.Status, Deploy: r.Deploy})
	}
	return out
}

// Transport delivers notifications. Implementations return nil without
// emitting anything when n.Suppressed is set.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// LogTransport writes notifications to the structured log.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport() *LogTransport {
	return &LogTransport{logger: log.WithComponent("notify")}
}

func (t *LogTransport) Send(_ context.Context, n Notification) error {
	if n.Suppressed {
		return nil
	}
	failed := 0
	for _, j := range n.Jobs {
		if j.Status != runner.StatusSuccess || j.Deploy == runner.DeployFailure {
			failed++
		}
	}
	t.logger.Info("run "+string(n.Event), "run_id", n.RunID, "branch", n.Branch, "jobs", len(n.Jobs), "failed_jobs", failed)
	return nil
}

// HubTransport publishes notifications on an event hub.
type HubTransport struct {
	pub events.Publisher
}

func NewHubTransport(pub events.Publisher) *HubTransport {
	return &HubTransport{pub: pub}
}

func (t *HubTransport) Send(_ context.Context, n Notification) error {
	if n.Suppressed || t.pub == nil {
		return nil
	}
	t.pub.Publish(events.TypeNotification, events.Notification{RunID: n.RunID, Branch: n.Branch, Event: string(n.Event)})
	return nil
}

// Multi fans a notification out to every transport and joins their errors.
type Multi []Transport

func (m Multi) Send(ctx context.Context, n Notification) error {
	if n.Suppressed {
		return nil
	}
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if err := t.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
