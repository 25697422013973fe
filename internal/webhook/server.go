package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// errTooLarge marks a push body over the endpoint's limit.
var errTooLarge = errors.New("payload too large")

// Server accepts signed push notifications and turns them into runs.
type Server struct {
	listen    string
	endpoints []EndpointConfig
	launcher  Launcher
	logger    *slog.Logger
}

// New creates a push hook server. Endpoint defaults are filled in here so a
// zero MaxBodySize or SignatureHeader never reaches a request.
func New(config Config, launcher Launcher, logger *slog.Logger) *Server {
	endpoints := make([]EndpointConfig, len(config.Endpoints))
	for i, ep := range config.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[i] = ep
	}
	return &Server{
		listen:    config.Listen,
		endpoints: endpoints,
		launcher:  launcher,
		logger:    logger,
	}
}

// endpoint returns the configuration for path.
func (s *Server) endpoint(path string) (EndpointConfig, bool) {
	for _, ep := range s.endpoints {
		if ep.Path == path {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// Handler returns one POST route per configured endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)
	for _, ep := range s.endpoints {
		r.Post(ep.Path, s.pushHandler(ep))
	}
	return r
}

// Start serves until ctx is cancelled, then drains for up to five seconds.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.logger.Info("push hooks listening", "listen", s.listen, "endpoints", len(s.endpoints))

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case err := <-served:
		return fmt.Errorf("push hook server: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("push hook server shutdown: %w", err)
	}
	s.logger.Info("push hooks stopped")
	return ctx.Err()
}

// accessLog records method, path and status. Bodies are never logged.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("push hook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(began),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errTooLarge
	}
	return body, nil
}

func (s *Server) pushHandler(ep EndpointConfig) http.HandlerFunc {
	logger := s.logger.With("path", ep.Path)
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readLimited(r.Body, ep.MaxBodySize)
		switch {
		case errors.Is(err, errTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
			return
		case err != nil:
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "unreadable body"})
			return
		}

		// a missing header and a bad signature look the same to the caller
		sig := r.Header.Get(ep.SignatureHeader)
		if err := Verify(body, sig, ep.Secret); err != nil {
			logger.Warn("push rejected", "header", ep.SignatureHeader, "signature_present", sig != "")
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
			return
		}

		branch, ignore, err := BranchFromPayload(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid push payload"})
			return
		}
		if ignore {
			logger.Info("push ignored")
			writeJSON(w, http.StatusOK, TriggerResponse{Status: "ignored"})
			return
		}

		runID, resolved, err := s.launcher.Launch(r.Context(), branch)
		if err != nil {
			logger.Error("push did not start a run", "branch", branch, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "run not started"})
			return
		}
		logger.Info("push started run", "branch", resolved, "run_id", runID)
		writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: runID, Branch: resolved, Status: "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
