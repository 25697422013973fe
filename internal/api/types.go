package api

import "time"

// TriggerRequest is the optional JSON body of POST /runs.
type TriggerRequest struct {
	Branch string `json:"branch,omitempty"`
}

// TriggerResponse is returned when a run was accepted.
type TriggerResponse struct {
	RunID  string `json:"run_id"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

// RunSummary is one entry of GET /runs.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Branch     string    `json:"branch"`
	Status     string    `json:"status"`
	Jobs       int       `json:"jobs"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ListRunsResponse is returned by GET /runs.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
}
