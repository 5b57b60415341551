package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/httputil"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/plugin"
	"github.com/hearthhq/hearth/pkg/scheduler"
)

// Server represents our API server
type Server struct {
	plugins    *plugin.Registry
	extensions *extension.Registry
	sched      *scheduler.Scheduler
	ledger     history.Store
	log        *observability.Logger
	metrics    *observability.Metrics
	router     *mux.Router
}

// NewServer creates a new API server
func NewServer(plugins *plugin.Registry, extensions *extension.Registry, sched *scheduler.Scheduler, ledger history.Store, log *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		plugins:    plugins,
		extensions: extensions,
		sched:      sched,
		ledger:     ledger,
		log:        log,
		metrics:    metrics,
		router:     mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Plugin lifecycle routes
	s.router.HandleFunc("/api/v1/plugins", s.installPlugin).Methods("POST")
	s.router.HandleFunc("/api/v1/plugins", s.listPlugins).Methods("GET")
	s.router.HandleFunc("/api/v1/plugins/{key}", s.getPlugin).Methods("GET")
	s.router.HandleFunc("/api/v1/plugins/{key}", s.uninstallPlugin).Methods("DELETE")
	s.router.HandleFunc("/api/v1/plugins/{key}/enable", s.enablePlugin).Methods("POST")
	s.router.HandleFunc("/api/v1/plugins/{key}/disable", s.disablePlugin).Methods("POST")

	// Extension point routes
	s.router.HandleFunc("/api/v1/extension-types", s.listExtensionTypes).Methods("GET")
	s.router.HandleFunc("/api/v1/extensions/{type}", s.listExtensions).Methods("GET")

	// Scheduler routes
	s.router.HandleFunc("/api/v1/jobs", s.scheduleJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs", s.listJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}", s.getJob).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}", s.unscheduleJob).Methods("DELETE")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}/pause", s.pauseJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}/resume", s.resumeJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}/trigger", s.triggerJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}/interrupt", s.interruptJob).Methods("POST")
	s.router.HandleFunc("/api/v1/jobs/{group}/{name}/reschedule", s.rescheduleJob).Methods("POST")
	s.router.HandleFunc("/api/v1/scheduler/status", s.schedulerStatus).Methods("GET")

	// Execution history routes
	s.router.HandleFunc("/api/v1/history", s.listHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/history/statistics", s.jobStatistics).Methods("GET")
	s.router.HandleFunc("/api/v1/history/failures", s.recentFailures).Methods("GET")
}

// Handler returns the router wrapped in the standard middleware stack.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.log),
		httputil.LoggingMiddleware(s.log, s.metrics),
	)(s.router)
}

// Router exposes the bare router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
