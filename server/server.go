// Package server wires the HTTP surface: thin request handlers around the
// trigger intake and meeting store, plus the SSE and websocket endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jphacks/os-2521/config"
)

// Server owns the HTTP listener.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// NewRouter assembles the HTTP surface.
func NewRouter(h *Handlers, sseHandler, wsHandler http.HandlerFunc, allowedOrigin string, log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(log))
	r.Use(cors(allowedOrigin))

	r.Route("/meetings/{id}", func(r chi.Router) {
		r.Post("/start", h.StartMeeting)
		r.Delete("/end", h.EndMeeting)
		r.Post("/rest", h.TriggerRest)
		r.Post("/rest-request", h.RequestRest)
		r.Get("/rest-requests", h.RestRequests)
		r.Get("/status", h.Status)
		r.Post("/page-info", h.PageInfo)
		r.Post("/blink-check", h.BlinkCheck)
	})
	r.Get("/sse/events", sseHandler)
	r.Get("/ws", wsHandler)
	r.Get("/health", h.Health)
	return r
}

// New builds the router and server. The SSE handler is mounted directly so
// its long-lived responses bypass the write timeout.
func New(cfg *config.ServerConfig, h *Handlers, sseHandler, wsHandler http.HandlerFunc, log *slog.Logger) *Server {
	r := NewRouter(h, sseHandler, wsHandler, cfg.AllowedOrigin, log)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     r,
			ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
			// No WriteTimeout: SSE and websocket responses are open-ended.
		},
		log: log,
	}
}

// Start runs the listener until the server is shut down.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests. Long-lived streams observe their
// request contexts being cancelled and tear down their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request with method, path, status and duration.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE streaming works behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// cors sets permissive headers for the browser-extension clients.
func cors(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
