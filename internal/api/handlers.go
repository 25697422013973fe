package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/gantry/internal/history"
)

// maxListLimit caps GET /runs?limit.
const maxListLimit = 200

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.launcher != nil {
		active = s.launcher.Active()
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ActiveRuns:    active,
	})
}

// handleListRuns handles GET /runs?branch=&limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{Branch: strings.TrimSpace(r.URL.Query().Get("branch"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		opts.Limit = n
	}

	summaries, err := s.runs.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunSummary, 0, len(summaries))}
	for _, sum := range summaries {
		resp.Runs = append(resp.Runs, RunSummary{
			RunID:      sum.RunID,
			Branch:     sum.Branch,
			Status:     string(sum.Status),
			Jobs:       sum.Jobs,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRun handles GET /runs/{runID} and returns the full report.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rep, err := s.runs.Get(r.Context(), runID)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// handleTriggerRun handles POST /runs. The run continues after the response.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run triggers are disabled")
		return
	}

	var req TriggerRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	runID, branch, err := s.launcher.Launch(r.Context(), strings.TrimSpace(req.Branch))
	if errors.Is(err, ErrBusy) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to start run", "branch", req.Branch, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run: "+err.Error())
		return
	}

	s.logger.Info("run triggered via API", "run_id", runID, "branch", branch)
	respondJSON(w, http.StatusAccepted, TriggerResponse{
		RunID:  runID,
		Branch: branch,
		Status: "accepted",
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
