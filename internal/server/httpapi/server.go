// Package httpapi exposes the session authority over HTTP JSON: end-user
// session operations behind bearer tokens and service-to-service endpoints
// behind a shared static key.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"sessiond/internal/logging"
	"sessiond/internal/server/ratelimit"
	"sessiond/internal/server/services"
)

// Server is the HTTP front of the service.
type Server struct {
	httpServer *http.Server
	logger     logging.Logger
}

// NewServer assembles the router and middleware chain.
func NewServer(addr string, sessions *services.SessionService, limiter *ratelimit.Limiter, serviceKey string, logger logging.Logger) *Server {
	h := NewHandlers(sessions, logger)
	mux := http.NewServeMux()

	user := func(handler http.HandlerFunc) http.Handler {
		return bearerAuth(sessions, handler)
	}
	peer := func(handler http.HandlerFunc) http.Handler {
		return serviceKeyAuth(serviceKey, handler)
	}
	limited := func(endpoint string, handler http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, endpoint, handler)
	}

	mux.Handle("POST /register", limited("register", http.HandlerFunc(h.register)))
	mux.Handle("POST /login", limited("login", http.HandlerFunc(h.login)))
	mux.Handle("POST /refresh-token", limited("refresh-token", http.HandlerFunc(h.refreshToken)))
	mux.Handle("POST /logout", limited("logout", user(h.logout)))
	mux.Handle("POST /change-password", limited("change-password", user(h.changePassword)))
	mux.Handle("GET /sessions", limited("sessions", user(h.listSessions)))
	mux.Handle("POST /sessions/{id}/revoke", limited("sessions-revoke", user(h.revokeSession)))
	mux.Handle("POST /sessions/revoke-all", limited("sessions-revoke-all", user(h.revokeAllSessions)))

	mux.Handle("POST /validate-token", limited("validate-token", peer(h.validateToken)))
	mux.Handle("POST /sync-session", peer(h.syncSession))
	mux.Handle("POST /sync-user", peer(h.syncUser))
	mux.Handle("POST /revoke-user-sessions", peer(h.revokeUserSessions))

	mux.HandleFunc("GET /healthz", h.health)

	var root http.Handler = mux
	root = loggingMiddleware(logger)(root)
	root = recoverMiddleware(logger)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info(ctx, "http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
