package broker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/coview-labs/coview/pkg/metrics"
)

// Server exposes the hub over HTTP: /ws for panels, /healthz and /metrics
// for operators.
type Server struct {
	hub      *Hub
	log      *slog.Logger
	mx       *metrics.Metrics
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires a hub into an HTTP server listening on addr.
func NewServer(addr string, hub *Hub, mx *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub: hub,
		log: log.With("component", "broker-server"),
		mx:  mx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Panels are same-host UI surfaces; the broker binds loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	if mx != nil {
		r.Handle("/metrics", mx.Handler())
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving panel connections.
func (s *Server) ListenAndServe() error {
	s.log.Info("broker listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, used by tests to mount the broker on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("panel upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.hub.Serve(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
