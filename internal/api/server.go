// Package api is gantry's HTTP surface: health, run history, run triggers
// and a server-sent event stream of run progress.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/gantry/internal/auth"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/history"
	"github.com/mattjoyce/gantry/internal/report"
)

// RunStore reads recorded runs.
type RunStore interface {
	List(ctx context.Context, opts history.ListOptions) ([]history.Summary, error)
	Get(ctx context.Context, runID string) (*report.Report, error)
}

// Launcher starts pipeline runs in the background.
type Launcher interface {
	// Launch starts a run for branch and returns its id without waiting for
	// it. An empty branch means the launcher resolves it.
	Launch(ctx context.Context, branch string) (runID, resolvedBranch string, err error)
	// Active is the number of runs still in progress.
	Active() int
}

// ErrBusy is returned by a Launcher that refuses new runs.
var ErrBusy = errors.New("too many runs in progress")

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token every endpoint except /healthz requires.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	runs      RunStore
	launcher  Launcher
	events    *events.Hub
	logger    *slog.Logger
	startedAt time.Time
}

// New creates an API server. A nil hub gets a private one, which keeps the
// event stream valid but empty.
func New(config Config, runs RunStore, launcher Launcher, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(events.DefaultCapacity)
	}
	return &Server{
		config:    config,
		runs:      runs,
		launcher:  launcher,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.config.APIKey, s.writeError))
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleTriggerRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start serves until ctx is cancelled. No write timeout is set because
// /events streams for as long as the client stays.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("API listening", "listen", s.config.Listen)

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case err := <-served:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("API stopped")
	return ctx.Err()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(began),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
