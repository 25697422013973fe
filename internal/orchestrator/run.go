package orchestrator

import (
	"log/slog"

	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
)

// run is the mutable state of one pipeline run. Only the goroutine that
// called Orchestrator.Run touches report; workers hand results to the
// collector.
type run struct {
	report *report.Report
	events events.Publisher
	logger *slog.Logger
}

func (o *Orchestrator) newRun(opts Options) *run {
	r := &run{
		report: &report.Report{
			RunID:     opts.RunID,
			Branch:    opts.Branch,
			Phase:     report.PhasePending,
			Status:    runner.StatusFailure,
			Jobs:      []runner.JobResult{},
			StartedAt: o.now(),
		},
		events: o.events,
		logger: o.logger.With("run_id", opts.RunID),
	}
	r.setPhase(report.PhasePending, 0)
	return r
}

func (r *run) setPhase(p report.Phase, jobs int) {
	r.report.Phase = p
	r.logger.Debug("run phase", "phase", p)
	r.publish(events.TypeRunPhase, events.RunPhase{
		RunID:  r.report.RunID,
		Branch: r.report.Branch,
		Phase:  string(p),
		Jobs:   jobs,
	})
}

func (r *run) publish(eventType string, data any) {
	if r.events == nil {
		return
	}
	r.events.Publish(eventType, data)
}
