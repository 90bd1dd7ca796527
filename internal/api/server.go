package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kylink/suffixpool/internal/ratelimit"
)

// Server wraps the HTTP server and mux for the suffix-pool API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps wires every dependency NewServer's routes call into.
type Deps struct {
	Repo      Repo
	Engine    AssignmentEngine
	Replenish ReplenishRunner
	Recovery  RecoveryRunner

	CronSecret      string
	APIMaxBodyBytes int64
	RateLimiter     *ratelimit.Limiter
}

// NewServer builds a Server wired with every route spec §6 enumerates.
func NewServer(port int, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /healthz", HandleHealthz())

	authed := http.NewServeMux()
	authed.Handle("POST /v1/suffix/lease", HandleLease(deps.Engine))
	authed.Handle("POST /v1/suffix/lease/batch", HandleLeaseBatch(deps.Engine))
	authed.Handle("POST /v1/suffix/report", HandleReport(deps.Engine))
	authed.Handle("POST /v1/suffix/report/batch", HandleReportBatch(deps.Engine))
	authed.Handle("POST /v1/campaigns/sync", HandleCampaignsSync(deps.Repo, time.Now))
	authed.Handle("POST /v1/jobs/replenish", HandleJobsReplenish(deps.Replenish))
	authed.Handle("POST /v1/jobs/recovery", HandleJobsRecovery(deps.Recovery))
	authed.Handle("GET /v1/jobs", HandleJobsStatus())
	authed.Handle("GET /v1/jobs/alerts", HandleJobsAlerts(deps.Repo))

	var handler http.Handler = authed
	handler = RequestBodyLimitMiddleware(deps.APIMaxBodyBytes, handler)
	if deps.RateLimiter != nil {
		handler = RateLimitMiddleware(deps.RateLimiter, handler)
	}
	handler = AuthMiddleware(deps.Repo, deps.CronSecret, handler)
	mux.Handle("/v1/", handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
