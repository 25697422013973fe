// Package history persists finished run reports in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 20

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Summary is one row of the run list.
type Summary struct {
	RunID      string        `json:"run_id"`
	Branch     string        `json:"branch"`
	Status     runner.Status `json:"status"`
	Jobs       int           `json:"jobs"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ListOptions filters List.
type ListOptions struct {
	Branch string
	Limit  int
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save records a finished run with all of its job and step results. Saving
// a run ID twice replaces the earlier record.
func (s *Store) Save(ctx context.Context, r *report.Report) error {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("run id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?;`, r.RunID); err != nil {
		return fmt.Errorf("clear step results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE run_id = ?;`, r.RunID); err != nil {
		return fmt.Errorf("clear job results: %w", err)
	}

	var (
		event      any
		suppressed bool
	)
	if r.Notice != nil {
		event = string(r.Notice.Event)
		suppressed = r.Notice.Suppressed
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, branch, status, phase, config_error, notify_event, suppressed, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  branch = excluded.branch,
  status = excluded.status,
  phase = excluded.phase,
  config_error = excluded.config_error,
  notify_event = excluded.notify_event,
  suppressed = excluded.suppressed,
  started_at = excluded.started_at,
  finished_at = excluded.finished_at;
`, r.RunID, r.Branch, r.Status, r.Phase, nullString(r.ConfigError), event, suppressed,
		formatTime(r.StartedAt), formatTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, job := range r.Jobs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO job_results(run_id, idx, name, status, error, deploy, deploy_error, workspace, kept_workspace, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.RunID, job.Index, job.Job, job.Status, nullString(job.Error), job.Deploy, nullString(job.DeployError),
			nullString(job.Workspace), job.KeptWorkspace, formatTime(job.StartedAt), formatTime(job.FinishedAt))
		if err != nil {
			return fmt.Errorf("insert job %q: %w", job.Job, err)
		}

		for _, step := range job.Steps {
			if err := insertStep(ctx, tx, r.RunID, job.Index, false, step); err != nil {
				return err
			}
		}
		if job.DeployStep != nil {
			if err := insertStep(ctx, tx, r.RunID, job.Index, true, *job.DeployStep); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, runID string, jobIdx int, deploy bool, step runner.StepResult) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO step_results(
  run_id, job_idx, idx, deploy, command, exit_code, timed_out, stdout, stderr, truncated,
  output_ref, output_digest, error, started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, jobIdx, step.Index, deploy, step.Command, step.ExitCode, step.TimedOut, step.Stdout, step.Stderr, step.Truncated,
		nullString(step.OutputRef), nullString(step.OutputDigest), nullString(step.Error),
		formatTime(step.StartedAt), formatTime(step.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert step %d of job %d: %w", step.Index, jobIdx, err)
	}
	return nil
}

// Get loads the full report for runID.
func (s *Store) Get(ctx context.Context, runID string) (*report.Report, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is empty")
	}

	var (
		r           report.Report
		status      string
		phase       string
		configError sql.NullString
		event       sql.NullString
		suppressed  bool
		startedAtS  string
		finishedAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, branch, status, phase, config_error, notify_event, suppressed, started_at, finished_at
FROM runs
WHERE id = ?;
`, runID).Scan(&r.RunID, &r.Branch, &status, &phase, &configError, &event, &suppressed, &startedAtS, &finishedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %q: %w", runID, err)
	}

	r.Status = runner.Status(status)
	r.Phase = report.Phase(phase)
	r.ConfigError = configError.String
	if event.Valid {
		r.Notice = &report.Notice{Event: runner.Status(event.String), Suppressed: suppressed}
	}
	r.StartedAt = parseTime(startedAtS)
	r.FinishedAt = parseTime(finishedAtS)

	jobs, err := s.loadJobs(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Jobs = jobs
	return &r, nil
}

func (s *Store) loadJobs(ctx context.Context, runID string) ([]runner.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT idx, name, status, error, deploy, deploy_error, workspace, kept_workspace, started_at, finished_at
FROM job_results
WHERE run_id = ?
ORDER BY idx ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query jobs for run %q: %w", runID, err)
	}

	jobs := make([]runner.JobResult, 0)
	for rows.Next() {
		var (
			j           runner.JobResult
			status      string
			deploy      string
			jobErr      sql.NullString
			deployErr   sql.NullString
			workspace   sql.NullString
			startedAtS  sql.NullString
			finishedAtS sql.NullString
		)
		if err := rows.Scan(&j.Index, &j.Job, &status, &jobErr, &deploy, &deployErr, &workspace, &j.KeptWorkspace, &startedAtS, &finishedAtS); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = runner.Status(status)
		j.Deploy = runner.DeployOutcome(deploy)
		j.Error = jobErr.String
		j.DeployError = deployErr.String
		j.Workspace = workspace.String
		j.StartedAt = parseTime(startedAtS.String)
		j.FinishedAt = parseTime(finishedAtS.String)
		j.Steps = make([]runner.StepResult, 0)
		jobs = append(jobs, j)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close job rows: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}

	// Steps are read after the job cursor is closed; the pool has a single
	// connection.
	for i := range jobs {
		if err := s.loadSteps(ctx, runID, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) loadSteps(ctx context.Context, runID string, job *runner.JobResult) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT idx, deploy, command, exit_code, timed_out, stdout, stderr, truncated, output_ref, output_digest, error, started_at, finished_at
FROM step_results
WHERE run_id = ? AND job_idx = ?
ORDER BY deploy ASC, idx ASC;
`, runID, job.Index)
	if err != nil {
		return fmt.Errorf("query steps for job %q: %w", job.Job, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step        runner.StepResult
			deploy      bool
			stdout      sql.NullString
			stderr      sql.NullString
			outputRef   sql.NullString
			digest      sql.NullString
			stepErr     sql.NullString
			startedAtS  sql.NullString
			finishedAtS sql.NullString
		)
		if err := rows.Scan(&step.Index, &deploy, &step.Command, &step.ExitCode, &step.TimedOut, &stdout, &stderr, &step.Truncated,
			&outputRef, &digest, &stepErr, &startedAtS, &finishedAtS); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		step.Stdout = stdout.String
		step.Stderr = stderr.String
		step.OutputRef = outputRef.String
		step.OutputDigest = digest.String
		step.Error = stepErr.String
		step.StartedAt = parseTime(startedAtS.String)
		step.FinishedAt = parseTime(finishedAtS.String)

		if deploy {
			ds := step
			job.DeployStep = &ds
			continue
		}
		job.Steps = append(job.Steps, step)
	}
	return rows.Err()
}

// List returns the most recent runs first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.branch, r.status, r.started_at, r.finished_at,
  (SELECT COUNT(*) FROM job_results j WHERE j.run_id = r.id)
FROM runs r
WHERE (? = '' OR r.branch = ?)
ORDER BY r.finished_at DESC, r.rowid DESC
LIMIT ?;
`, opts.Branch, opts.Branch, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum         Summary
			status      string
			startedAtS  string
			finishedAtS string
		)
		if err := rows.Scan(&sum.RunID, &sum.Branch, &status, &startedAtS, &finishedAtS, &sum.Jobs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = runner.Status(status)
		sum.StartedAt = parseTime(startedAtS)
		sum.FinishedAt = parseTime(finishedAtS)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// LastStatus returns the status of the most recent recorded run on branch.
// ok is false when the branch has no history.
func (s *Store) LastStatus(ctx context.Context, branch string) (status runner.Status, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `
SELECT status
FROM runs
WHERE branch = ?
ORDER BY finished_at DESC, rowid DESC
LIMIT 1;
`, branch).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last status for %q: %w", branch, err)
	}
	return runner.Status(raw), true, nil
}

// DeleteBefore removes runs that finished before cutoff and returns their
// IDs.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM runs WHERE finished_at < ? ORDER BY finished_at;`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select expired runs: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close rows: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?;`, formatTime(cutoff)); err != nil {
		return nil, fmt.Errorf("delete runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
