package server

import (
	"net/http"

	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/progress"
	"github.com/quantfeed/barsync/internal/router"
	"github.com/quantfeed/barsync/internal/scheduler"
)

// Services bundles everything the HTTP surface exposes.
type Services struct {
	Scheduler *scheduler.Scheduler
	Tracker   *coverage.Tracker
	Jobs      *job.Service
	Observer  *progress.Observer
	Events    *progress.Publisher
	Providers *router.Router
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(services *Services) http.Handler {
	return newMux(services)
}

func newMux(services *Services) http.Handler {
	h := &handler{services: services}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/coverage/{symbol}", h.ensureCoverage)
	mux.HandleFunc("GET /api/v1/coverage/{symbol}", h.getCoverage)
	mux.HandleFunc("POST /api/v1/coverage/{symbol}/rebuild", h.rebuildCoverage)
	mux.HandleFunc("GET /api/v1/progress", h.observeProgress)
	mux.HandleFunc("GET /api/v1/runs", h.listRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.getRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.cancelRun)
	mux.HandleFunc("GET /api/v1/definitions", h.listDefinitions)
	mux.HandleFunc("POST /api/v1/definitions/{id}/enable", h.enableDefinition)
	mux.HandleFunc("POST /api/v1/definitions/{id}/disable", h.disableDefinition)
	mux.HandleFunc("GET /api/v1/providers", h.listProviders)
	mux.HandleFunc("GET /api/v1/events", h.streamEvents)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
