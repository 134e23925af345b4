// Package server exposes the recognition pipeline and the attendance
// dashboard queries over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/pipeline"
)

// Recognizer runs one frame through the pipeline.
type Recognizer interface {
	Run(ctx context.Context, image []byte) pipeline.Result
}

// Reporter answers the dashboard queries.
type Reporter interface {
	ListTodayEvents(ctx context.Context, now time.Time) ([]attendance.Event, error)
	FirstEventTimestamp(ctx context.Context) (time.Time, bool, error)
	CountEventsOn(ctx context.Context, day time.Time) (int, error)
	AttendanceDates(ctx context.Context) ([]string, error)
}

// Health describes the loaded recognition data.
type Health struct {
	Identities   int    `json:"identities"`
	Samples      int    `json:"samples"`
	TrackVersion uint64 `json:"track_version"`
}

// Deps holds the collaborators of the server.
type Deps struct {
	Recognizer Recognizer
	Reporter   Reporter
	Artifacts  artifacts.FileStore
	// Reload re-reads the gallery, roster and tracks.
	Reload func(ctx context.Context) error
	Health func() Health
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Server represents the HTTP server.
type Server struct {
	config     *config.Config
	deps       Deps
	loc        *time.Location
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Health == nil {
		deps.Health = func() Health { return Health{} }
	}

	r := chi.NewRouter()
	s := &Server{
		config: cfg,
		deps:   deps,
		loc:    loc,
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Duration(cfg.Server.RequestTimeout) * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Server.RequestTimeout+10) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/recognize", s.handleRecognize)

		r.Get("/system-start-date", s.handleSystemStartDate)
		r.Get("/today-active", s.handleTodayActive)
		r.Get("/attendance-dates", s.handleAttendanceDates)
		r.Get("/attendance-summary", s.handleAttendanceSummary)

		r.Get("/feedback/tracks/{id}", s.handleTrack)
		r.Get("/feedback/artifacts/*", s.handleArtifact)

		r.Post("/admin/reload", s.handleReload)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	logging.Component("server").Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Component("server").Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
