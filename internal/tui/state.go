package tui

import (
	"time"

	"github.com/mattjoyce/gantry/internal/events"
)

// Job states shown before a job has a final status.
const (
	jobPending = "pending"
	jobRunning = "running"
)

// JobState is the live view of one matrix job.
type JobState struct {
	Name     string
	Index    int
	Steps    int
	Status   string
	Deploy   string
	Started  time.Time
	Duration time.Duration
}

// RunState is the live view of one run.
type RunState struct {
	ID          string
	Branch      string
	Phase       string
	Status      string
	ConfigError string
	Jobs        []*JobState
}

// job returns the slot for index, growing Jobs as needed.
func (r *RunState) job(index int) *JobState {
	for len(r.Jobs) <= index {
		r.Jobs = append(r.Jobs, &JobState{Index: len(r.Jobs), Status: jobPending})
	}
	return r.Jobs[index]
}

// Finished reports whether the run reached its final status.
func (r *RunState) Finished() bool {
	return r.Status != ""
}

// runBook tracks runs in the order they were first seen.
type runBook struct {
	runs  map[string]*RunState
	order []string
}

func newRunBook() runBook {
	return runBook{runs: make(map[string]*RunState)}
}

func (b *runBook) get(id string) *RunState {
	r, ok := b.runs[id]
	if !ok {
		r = &RunState{ID: id}
		b.runs[id] = r
		b.order = append(b.order, id)
	}
	return r
}

// latest is the most recently started run, or nil.
func (b *runBook) latest() *RunState {
	if len(b.order) == 0 {
		return nil
	}
	return b.runs[b.order[len(b.order)-1]]
}

// apply folds one hub event into the book. Unknown or malformed events are
// ignored.
func (b *runBook) apply(e events.Event) {
	switch e.Type {
	case events.TypeRunPhase:
		var p events.RunPhase
		if e.Decode(&p) != nil || p.RunID == "" {
			return
		}
		r := b.get(p.RunID)
		r.Phase = p.Phase
		if p.Branch != "" {
			r.Branch = p.Branch
		}
		if p.Jobs > 0 {
			r.job(p.Jobs - 1)
		}

	case events.TypeJobStarted:
		var p events.JobStarted
		if e.Decode(&p) != nil || p.RunID == "" || p.Index < 0 {
			return
		}
		j := b.get(p.RunID).job(p.Index)
		j.Name = p.Job
		j.Steps = p.Steps
		j.Status = jobRunning
		j.Started = e.At

	case events.TypeJobFinished:
		var p events.JobFinished
		if e.Decode(&p) != nil || p.RunID == "" || p.Index < 0 {
			return
		}
		j := b.get(p.RunID).job(p.Index)
		j.Name = p.Job
		j.Status = p.Status
		j.Deploy = p.Deploy
		j.Duration = time.Duration(p.DurationMS) * time.Millisecond

	case events.TypeRunFinished:
		var p events.RunFinished
		if e.Decode(&p) != nil || p.RunID == "" {
			return
		}
		r := b.get(p.RunID)
		r.Status = p.Status
		r.Branch = p.Branch
		r.ConfigError = p.ConfigError
	}
}
