// Package scheduler starts pipeline runs on a fixed cadence while gantry
// serves.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/events"
)

// DefaultTickInterval is how often due schedules are checked.
const DefaultTickInterval = 30 * time.Second

// Schedule is one resolved schedules entry.
type Schedule struct {
	Name   string
	Branch string
	Every  time.Duration
	Jitter time.Duration
}

// FromConfig resolves the configured schedules, sorted by name.
func FromConfig(cfgs []config.ScheduleConfig) ([]Schedule, error) {
	out := make([]Schedule, 0, len(cfgs))
	for i, sc := range cfgs {
		every, err := config.ParseInterval(sc.Every)
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		out = append(out, Schedule{
			Name:   sc.ScheduleName(),
			Branch: sc.Branch,
			Every:  every,
			Jitter: sc.Jitter,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Scheduler launches a run for each schedule once its next due time has
// passed. A launch that fails (the server is busy, the branch cannot be
// resolved) keeps the schedule due so the next tick retries it.
type Scheduler struct {
	schedules []Schedule
	launcher  Launcher
	events    *events.Hub
	logger    *slog.Logger
	tick      time.Duration
	now       func() time.Time

	mu   sync.Mutex
	next map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Runs are first due one interval after Start.
func New(schedules []Schedule, launcher Launcher, hub *events.Hub, logger *slog.Logger, opts ...Option) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	s := &Scheduler{
		schedules: schedules,
		launcher:  launcher,
		events:    hub,
		logger:    logger.With("component", "scheduler"),
		tick:      DefaultTickInterval,
		now:       time.Now,
		next:      make(map[string]time.Time, len(schedules)),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start computes the first due times and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "schedules", len(s.schedules), "tick", s.tick)

	now := s.now()
	s.mu.Lock()
	for _, sc := range s.schedules {
		s.next[sc.Name] = now.Add(calculateJitteredInterval(sc.Every, sc.Jitter))
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop and waits for it. Runs already launched are not
// affected.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// NextRun reports when the named schedule is next due.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[name]
	return t, ok
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDue(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runDue launches every schedule whose due time has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for _, sc := range s.schedules {
		s.mu.Lock()
		due, ok := s.next[sc.Name]
		s.mu.Unlock()
		if !ok || now.Before(due) {
			continue
		}

		runID, branch, err := s.launcher.Launch(ctx, sc.Branch)
		if err != nil {
			s.events.Publish(events.TypeScheduleSkipped, events.ScheduleSkipped{
				Schedule: sc.Name,
				Branch:   sc.Branch,
				Reason:   err.Error(),
			})
			s.logger.Warn("skipped scheduled run", "schedule", sc.Name, "branch", sc.Branch, "error", err)
			continue
		}

		next := now.Add(calculateJitteredInterval(sc.Every, sc.Jitter))
		s.mu.Lock()
		s.next[sc.Name] = next
		s.mu.Unlock()

		s.events.Publish(events.TypeScheduleLaunched, events.ScheduleLaunched{
			Schedule: sc.Name,
			RunID:    runID,
			Branch:   branch,
			NextAt:   next.UTC(),
		})
		s.logger.Info("started scheduled run", "schedule", sc.Name, "run_id", runID, "branch", branch, "next_at", next)
	}
}

// calculateJitteredInterval adds a random delay in [0, jitter) to the base
// interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
