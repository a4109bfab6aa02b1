// Package api serves the read-only dashboard endpoints: engine state,
// the event stream, per-cycle audit records, and the goal list. All
// mutation flows through the cycle engine, never through HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perchd/perch/pkg/diffs"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/models"
)

// shutdownTimeout bounds graceful drain on Stop.
const shutdownTimeout = 10 * time.Second

// EngineView is the read slice of the engine the API exposes.
type EngineView interface {
	State() models.CycleState
	Events() []models.EventRecord
	Running() bool
}

// GoalLister is the read slice of the goal store the API exposes.
type GoalLister interface {
	List(f goals.Filter) []*models.Goal
	Get(id string) *models.Goal
}

// Server is the HTTP server for the dashboard API.
type Server struct {
	engine EngineView
	goals  GoalLister
	diffs  *diffs.Writer
	logger *slog.Logger

	http *http.Server
}

func NewServer(engine EngineView, goalStore GoalLister, diffWriter *diffs.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		goals:  goalStore,
		diffs:  diffWriter,
		logger: logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/healthz", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/state", s.GetState)
		v1.GET("/events", s.ListEvents)
		v1.GET("/cycles/:n", s.GetCycle)
		v1.GET("/goals", s.ListGoals)
		v1.GET("/goals/:id", s.GetGoal)
	}
	return r
}

// Start serves on addr until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
