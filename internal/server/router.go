// Package server wires the HTTP API: routing, request decoding, error
// mapping and middleware.
package server

import (
	"net/http"
	"time"

	"github.com/maruel/marketbff/internal/metrics"
	"github.com/maruel/marketbff/internal/records"
	"github.com/maruel/marketbff/internal/server/handlers"
	"github.com/maruel/marketbff/internal/server/ratelimit"
	"github.com/rs/cors"
)

// Config holds the HTTP layer settings.
type Config struct {
	Version string
	// Admin verifies the bearer token of admin routes.
	Admin TokenChecker
	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Empty allows any origin.
	CORSOrigins []string
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// PublicWritesPerMin limits unauthenticated writes per client IP; 0
	// disables the limit.
	PublicWritesPerMin int
}

// Server is the HTTP handler of the service.
type Server struct {
	http.Handler
	limiter *ratelimit.Limiter
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// NewRouter creates and configures the HTTP router.
func NewRouter(repo *records.Repository, cfg Config) *Server {
	mux := http.NewServeMux()
	s := &Server{}
	if cfg.PublicWritesPerMin > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.PublicWritesPerMin, time.Minute, max(cfg.PublicWritesPerMin/4, 5))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	healthHandler := handlers.NewHealthHandler(cfg.Version)
	publicHandler := handlers.NewPublicHandler(repo)
	adminHandler := handlers.NewAdminHandler(repo)

	write := func(h http.Handler) http.Handler { return rateLimit(s.limiter, h) }
	adm := func(h http.Handler) http.Handler { return requireAdmin(cfg.Admin, h) }

	// Health check
	mux.Handle("GET /api/health", Wrap(healthHandler.Health))

	// Public reads
	mux.Handle("GET /api/workers", Wrap(publicHandler.ListWorkers))
	mux.Handle("GET /api/schema/{collection}", Wrap(handlers.Schema))

	// Public writes; the /api/log/* and /api/workers/signup aliases are used
	// by the chat widget.
	for _, p := range []string{"POST /api/chats", "POST /api/log/chat"} {
		mux.Handle(p, write(Wrap(publicHandler.CreateChat)))
	}
	for _, p := range []string{"POST /api/calls", "POST /api/log/call"} {
		mux.Handle(p, write(Wrap(publicHandler.LogCall)))
	}
	for _, p := range []string{"POST /api/signups", "POST /api/workers/signup"} {
		mux.Handle(p, write(Wrap(publicHandler.CreateSignup)))
	}
	mux.Handle("POST /api/leads", write(Wrap(publicHandler.CreateLead)))
	mux.Handle("POST /api/log/qa", write(Wrap(publicHandler.LogQuestion)))
	mux.Handle("POST /api/log/session", write(Wrap(publicHandler.LogSession)))

	// Admin
	mux.Handle("POST /api/workers", adm(Wrap(adminHandler.CreateWorker)))
	mux.Handle("PUT /api/workers/{id}", adm(Wrap(adminHandler.UpdateWorker)))
	mux.Handle("DELETE /api/workers/{id}", adm(Wrap(adminHandler.DeleteWorker)))
	mux.Handle("PUT /api/update-status/{id}", adm(Wrap(adminHandler.UpdateStatus)))
	mux.Handle("GET /api/admin/data", adm(Wrap(adminHandler.Data)))
	mux.Handle("GET /api/stats", adm(Wrap(adminHandler.Stats)))
	mux.Handle("GET /api/admin/records/{collection}", adm(Wrap(adminHandler.ListRecords)))
	mux.Handle("DELETE /api/admin/records/{collection}/{id}", adm(Wrap(adminHandler.DeleteRecord)))
	mux.Handle("GET /api/admin/history/{collection}", adm(Wrap(adminHandler.History)))
	mux.Handle("GET /api/backup", adm(Wrap(adminHandler.Backup)))

	mux.Handle("GET /metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         600,
	})
	s.Handler = withRequestContext(c.Handler(limitBody(cfg.MaxBodyBytes, mux)))
	return s
}
