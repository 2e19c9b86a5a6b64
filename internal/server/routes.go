package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the router for the push channel, the REST surface,
// health, and metrics.
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/ws/{user_id}", s.WebSocketHandler).Methods(http.MethodGet)

	r.HandleFunc("/messages", s.SendMessageHandler).Methods(http.MethodPost)
	r.HandleFunc("/messages", s.ListMessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/read", s.MarkReadHandler).Methods(http.MethodPost)
	r.HandleFunc("/online", s.OnlineHandler).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("incoming http request",
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.String("addr", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}
