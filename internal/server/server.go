// Package server implements the master's admin HTTP API, its middleware and
// the status report intake for game servers.
package server

import (
	"net/http"
	"time"

	"github.com/woozymasta/drover/internal/config"
	"github.com/woozymasta/drover/internal/metrics"
)

// reportWorkers is the size of the status report worker pool.
const reportWorkers = 4

// New creates a new Server serving deps with the given API configuration.
func New(deps Deps, cfg config.API) *Server {
	return &Server{
		deps:           deps,
		authToken:      cfg.AuthToken,
		maxBody:        cfg.MaxBodySize,
		trustProxy:     cfg.TrustProxy,
		hardLimitCount: cfg.HardLimitCount,
		hardLimitWin:   cfg.HardLimitWin,
		softLimitDur:   cfg.SoftLimitDur,

		queue:    make(chan reportJob, 256),
		shutdown: make(chan struct{}),
	}
}

// StartWorkers initializes the background worker pool for status reports
// and the cache cleanup routine.
func (s *Server) StartWorkers() {
	for range reportWorkers {
		s.wg.Add(1)
		go s.worker()
	}

	go s.gcSoftLimitCache()
}

// StopWorkers gracefully stops the background workers and closes the job queue.
func (s *Server) StopWorkers() {
	close(s.shutdown)
	close(s.queue)
	s.wg.Wait()
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	admin := func(h http.HandlerFunc) http.Handler {
		return AdminAuthMiddleware(s.authToken, h)
	}

	mux.Handle("POST /api/report", http.HandlerFunc(s.handleReport))

	mux.Handle("GET /api/servers", admin(s.handleServers))
	mux.Handle("POST /api/servers/start", admin(s.handleStart))
	mux.Handle("POST /api/servers/stop", admin(s.handleStop))
	mux.Handle("GET /api/patterns", admin(s.handlePatterns))
	mux.Handle("PUT /api/patterns", admin(s.handlePutPattern))
	mux.Handle("DELETE /api/patterns", admin(s.handleDeletePattern))
	mux.Handle("POST /api/permissions", admin(s.handlePermissions))
	mux.Handle("GET /api/clients", admin(s.handleClients))
	mux.Handle("GET /api/players", admin(s.handlePlayers))
	mux.Handle("GET /api/a2s", admin(s.handleServerQuery))
	mux.Handle("GET /metrics", admin(metrics.Handler().ServeHTTP))

	return s.LoggingMiddleware(s.RateLimitMiddleware(mux))
}

// gcSoftLimitCache periodically cleans up expired entries from the soft rate-limit cache.
func (s *Server) gcSoftLimitCache() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			s.seenCache.Range(func(key, value any) bool {
				if t, ok := value.(time.Time); !ok || now.Sub(t) > s.softLimitDur {
					s.seenCache.Delete(key)
				}
				return true
			})
		}
	}
}
