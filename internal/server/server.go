package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// Server owns the session registry, the chat service, and the HTTP surface
// built on top of them.
type Server struct {
	cfg      Config
	store    store.Store
	hub      *Hub
	svc      *chat.Service
	frames   *frameRouter
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
}

// New wires a Server around st. cfg is sanitized before use.
func New(cfg Config, st store.Store, logger *slog.Logger) *Server {
	cfg = sanitizeConfig(cfg)
	metrics := NewMetrics()
	hub := NewHub(logger, metrics)
	svc := chat.NewService(st, hub, logger)
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	s := &Server{
		cfg:     cfg,
		store:   st,
		hub:     hub,
		svc:     svc,
		frames:  newFrameRouter(svc, hub, logger, metrics),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.http = CreateServer(cfg.Port, s.SetupRoutes())
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Hub returns the session registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return StartServer(s.http, s.logger)
}

// Shutdown stops accepting requests, then closes every session. Both phases
// share the configured shutdown timeout.
func (s *Server) Shutdown() error {
	httpErr := ShutdownServer(s.http, s.cfg.ShutdownTimeout, s.logger)
	hubErr := s.hub.Shutdown(s.cfg.ShutdownTimeout)
	return errors.Join(httpErr, hubErr)
}
