package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cgraph/internal/app/server/handlers"
	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/pkg/middleware"
)

type Deps struct {
	Auth     domain.Authenticator
	Members  domain.MembershipRepository
	Presence contracts.PresenceStore
	Gateway  handlers.Acceptor
	Router   handlers.FrameServer
	Bus      handlers.BusState
}

type Server struct {
	log       *slog.Logger
	mux       *http.ServeMux
	srv       *http.Server
	auth      domain.Authenticator
	wsHandler *handlers.WSHandler
	presence  *handlers.PresenceHandler
	health    *handlers.HealthHandler
}

func NewServer(log *slog.Logger, app, addr string, ws handlers.WSConfig, deps Deps) *Server {
	s := &Server{
		log:       log,
		mux:       http.NewServeMux(),
		auth:      deps.Auth,
		wsHandler: handlers.NewWSHandler(deps.Gateway, deps.Router, ws),
		presence:  handlers.NewPresenceHandler(deps.Members, deps.Presence),
		health:    handlers.NewHealthHandler(deps.Bus),
	}
	s.routes()
	var h http.Handler = s.mux
	h = middleware.RequestLogger(log)(h)
	h = middleware.TracerMiddleware(app)(h)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	auth := middleware.AuthMiddleware(s.auth)

	// The WebSocket route authenticates after the upgrade so rejections
	// carry a close code.
	s.mux.HandleFunc("GET /ws/{roomId}", s.wsHandler.Handler)
	s.mux.Handle("GET /rooms/{roomId}/presence", auth(http.HandlerFunc(s.presence.Handler)))
	s.mux.HandleFunc("GET /healthz", s.health.Handler)
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start blocks until the server stops. A graceful Shutdown yields nil.
func (s *Server) Start() error {
	s.log.Info("server - start - listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked WebSocket connections are not
// tracked by net/http; the gateway drains them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
