package server

import (
	"net/http"

	"github.com/peterje/perfhint/internal/api"
	"github.com/peterje/perfhint/internal/hintd"
	"github.com/peterje/perfhint/internal/models"
	"github.com/peterje/perfhint/internal/ws"
	"go.uber.org/zap"
)

// Options configures a Server.
type Options struct {
	Service *hintd.Service
	History api.History  // nil when the journal is disabled
	Tunnel  http.Handler // nil disables /tunnel
	Checks  []models.Check
	Logger  *zap.Logger
}

type Server struct {
	mux     *http.ServeMux
	svc     *hintd.Service
	history api.History
	checks  []models.Check
	log     *zap.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		mux:     http.NewServeMux(),
		svc:     opts.Service,
		history: opts.History,
		checks:  opts.Checks,
		log:     opts.Logger,
	}
	s.routes(opts.Tunnel)
	return s
}

// Handler returns the mux wrapped in logging and recovery middleware.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.log, recoveryMiddleware(s.log, s))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(tunnel http.Handler) {
	reg := s.svc.Registry()
	sessions := api.NewSessionsHandler(reg, s.svc, s.history, s.log)
	wsHandler := ws.NewHandler(reg, s.log)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("GET /api/sessions/{id}", sessions.HandleGet)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("GET /api/history", sessions.HandleHistory)

	// WebSocket
	s.mux.Handle("GET /ws/sessions/{id}", wsHandler)

	if tunnel != nil {
		s.mux.Handle("GET /tunnel", tunnel)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := s.svc.Info()
	checks := s.checks
	if checks == nil {
		checks = []models.Check{}
	}
	api.WriteJSON(w, http.StatusOK, models.HealthResponse{
		Status:              "ok",
		APILevel:            info.APILevel,
		PreferredUpdateRate: info.PreferredUpdateRate,
		Sessions:            len(s.svc.Registry().List()),
		MaxBoost:            s.svc.Registry().MaxBoost(),
		Journal:             s.history != nil,
		Checks:              checks,
	})
}
