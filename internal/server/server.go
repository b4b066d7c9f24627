// Package server exposes the modification workflow over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joss/fraude/internal/archive"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
	"github.com/joss/fraude/internal/runner"
	"github.com/joss/fraude/internal/workflow"
)

// History reads archived interactions.
type History interface {
	Get(ctx context.Context, id string) (*workflow.WorkflowState, error)
	List(ctx context.Context, f archive.Filter) ([]archive.Summary, error)
}

// CheckFunc reports whether a dependency is ready.
type CheckFunc func(ctx context.Context) error

// Server routes HTTP requests to a workflow manager.
type Server struct {
	manager *workflow.Manager
	history History
	runner  *runner.Executor
	testDir string
	checks  map[string]CheckFunc

	router *gin.Engine
	log    *logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHistory serves archived interactions that are no longer live.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithRunner enables POST /v1/test, running commands in dir with every
// staged change applied.
func WithRunner(e *runner.Executor, dir string) Option {
	return func(s *Server) {
		s.runner = e
		s.testDir = dir
	}
}

// WithCheck adds a readiness check reported by GET /ready.
func WithCheck(name string, fn CheckFunc) Option {
	return func(s *Server) { s.checks[name] = fn }
}

// New builds the server and its routes.
func New(m *workflow.Manager, opts ...Option) *Server {
	s := &Server{
		manager: m,
		checks:  make(map[string]CheckFunc),
		log:     logging.New("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(s.recovery(), requestID(), s.accessLog())
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(metrics.Global().Handler()))
	registerRoutes(r.Group(""), s)
	registerRoutes(r.Group("/v1"), s)
	s.router = r
	return s
}

func registerRoutes(rg *gin.RouterGroup, s *Server) {
	rg.POST("/interactions", s.handleStart)
	rg.GET("/interactions", s.handleList)
	rg.GET("/interactions/:id", s.handleGet)
	rg.DELETE("/interactions/:id", s.handleCancel)
	rg.POST("/interactions/:id/plan", s.handlePlan)
	rg.POST("/interactions/:id/confirm", s.handleConfirm)
	rg.GET("/interactions/:id/changes", s.handleChanges)
	rg.GET("/interactions/:id/events", s.handleEvents)
	rg.POST("/interactions/:id/changes/:cid/feedback", s.handleFeedback)
	rg.GET("/changes", s.handleLedger)
	rg.POST("/changes/apply", s.handleApply)
	rg.GET("/history", s.handleHistory)
	rg.POST("/test", s.handleTest)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully and
// cancels every running interaction.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listening", map[string]any{"addr": addr})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if merr := s.manager.Shutdown(shutdownCtx); merr != nil {
		err = errors.Join(err, merr)
	}
	return err
}
