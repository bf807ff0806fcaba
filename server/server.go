// Package server exposes the engine over a JSON HTTP API.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3FramesLab/kpi-engine/config"
	"github.com/3FramesLab/kpi-engine/kpi/airflow"
	"github.com/3FramesLab/kpi-engine/kpi/asyncjob"
	"github.com/3FramesLab/kpi-engine/kpi/audit"
	"github.com/3FramesLab/kpi-engine/kpi/execution"
	"github.com/3FramesLab/kpi-engine/kpi/runner"
	"github.com/3FramesLab/kpi-engine/kpi/schedule"
	"github.com/3FramesLab/kpi-engine/notify"
)

// Server wires the engine's components behind HTTP handlers
type Server struct {
	cfg        *config.Config
	db         *sql.DB
	schedules  *schedule.Store
	executions *execution.Store
	results    *execution.ResultStore
	runner     *runner.Runner
	jobs       *asyncjob.Manager
	reconciler *airflow.Reconciler
	auditMgr   *audit.Manager
	auditStore *audit.Store
	prefs      *notify.Store
	logger     *zap.SugaredLogger

	mux  *http.ServeMux
	http *http.Server
}

// Deps carries the engine components the server exposes
type Deps struct {
	DB         *sql.DB
	Schedules  *schedule.Store
	Executions *execution.Store
	Results    *execution.ResultStore
	Runner     *runner.Runner
	Jobs       *asyncjob.Manager
	Reconciler *airflow.Reconciler
	AuditMgr   *audit.Manager
	AuditStore *audit.Store
	Prefs      *notify.Store
}

// New creates the API server and registers its routes
func New(cfg *config.Config, deps Deps, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{
		cfg:        cfg,
		db:         deps.DB,
		schedules:  deps.Schedules,
		executions: deps.Executions,
		results:    deps.Results,
		runner:     deps.Runner,
		jobs:       deps.Jobs,
		reconciler: deps.Reconciler,
		auditMgr:   deps.AuditMgr,
		auditStore: deps.AuditStore,
		prefs:      deps.Prefs,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("/api/schedules", s.corsMiddleware(s.HandleSchedules))
	s.mux.HandleFunc("/api/schedules/", s.corsMiddleware(s.HandleSchedule))
	s.mux.HandleFunc("/api/executions/", s.corsMiddleware(s.HandleExecution))
	s.mux.HandleFunc("/api/sync", s.corsMiddleware(s.HandleSync))
	s.mux.HandleFunc("/api/sync/status", s.corsMiddleware(s.HandleSyncStatus))
	s.mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))
	s.mux.HandleFunc("/api/kpis/execute-batch", s.corsMiddleware(s.HandleExecuteBatch))
	s.mux.HandleFunc("/api/kpis/", s.corsMiddleware(s.HandleKpi))
	s.mux.HandleFunc("/api/dashboard", s.corsMiddleware(s.HandleDashboard))
}

// Handler returns the server's routing handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured port and blocks until shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	s.logger.Infow("API server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// corsMiddleware handles CORS headers and OPTIONS preflight
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// HandleHealth reports liveness and database reachability
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := "ok"
	code := http.StatusOK
	if err := s.db.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Errorw("health check database ping failed", "error", err)
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
