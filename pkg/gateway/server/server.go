// Package server wires the gateway: routes, middleware chain, and the shared
// store, editor, and upstream client handed to every handler.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	"github.com/atelier-ai/atelier/pkg/gateway/handlers"
	"github.com/atelier-ai/atelier/pkg/gateway/lifecycle"
	"github.com/atelier-ai/atelier/pkg/gateway/live/sessions"
	"github.com/atelier-ai/atelier/pkg/gateway/mw"
	"github.com/atelier-ai/atelier/pkg/gateway/ratelimit"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

// Dependencies carries the domain services the server routes requests to.
type Dependencies struct {
	Store  *studio.Store
	Editor *editor.Service
	Dialer upstream.Dialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store  *studio.Store
	editor *editor.Service
	dialer upstream.Dialer

	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		store:  deps.Store,
		editor: deps.Editor,
		dialer: deps.Dialer,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentLive:     cfg.LimitMaxLiveSessions,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: &sessions.Tracker{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	sessionsHandler := handlers.SessionsHandler{
		Config: s.cfg,
		Store:  s.store,
		Editor: s.editor,
	}
	s.mux.HandleFunc("POST /v1/sessions", sessionsHandler.Create)
	s.mux.HandleFunc("GET /v1/sessions", sessionsHandler.List)
	s.mux.HandleFunc("GET /v1/sessions/{id}", sessionsHandler.Get)
	s.mux.HandleFunc("POST /v1/sessions/{id}/edits", sessionsHandler.Edit)
	s.mux.HandleFunc("POST /v1/sessions/{id}/select", sessionsHandler.Select)

	s.mux.Handle("GET /v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Store:        s.store,
		Editor:       s.editor,
		Dialer:       s.dialer,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness so load balancers stop routing new work.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every live client the gateway is going away.
func (s *Server) WarnLiveSessionsDraining() {
	s.liveSessions.WarnAll("draining", "gateway is shutting down")
}

// WaitLiveSessions blocks until all live sessions end or the context expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

// CancelLiveSessions force-stops any live sessions still running.
func (s *Server) CancelLiveSessions() {
	s.liveSessions.CancelAll()
}
