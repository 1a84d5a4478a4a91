// Package server mounts the REST surface and the websocket event stream
// over the queue, stores, and executor.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/huenique/claude-code-server/internal/config"
	"github.com/huenique/claude-code-server/internal/executor"
	"github.com/huenique/claude-code-server/internal/history"
	"github.com/huenique/claude-code-server/internal/sessions"
	"github.com/huenique/claude-code-server/internal/stats"
	"github.com/huenique/claude-code-server/internal/tasks"
	"github.com/huenique/claude-code-server/internal/webhook"
)

// Server is the HTTP front of the service.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	config    *config.Manager
	sessions  *sessions.Store
	tasks     *tasks.Store
	queue     *tasks.Queue
	executor  *executor.Executor
	collector *stats.Collector
	notifier  *webhook.Notifier
	history   *history.Store
	limiter   *RateLimiter
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Config    *config.Manager
	Sessions  *sessions.Store
	Tasks     *tasks.Store
	Queue     *tasks.Queue
	Executor  *executor.Executor
	Collector *stats.Collector
	Notifier  *webhook.Notifier
	History   *history.Store
}

// NewServer builds the route table.
func NewServer(deps Deps) *Server {
	cfg := deps.Config.Get()
	s := &Server{
		router:    mux.NewRouter(),
		hub:       NewHub(),
		config:    deps.Config,
		sessions:  deps.Sessions,
		tasks:     deps.Tasks,
		queue:     deps.Queue,
		executor:  deps.Executor,
		collector: deps.Collector,
		notifier:  deps.Notifier,
		history:   deps.History,
		limiter:   NewRateLimiter(cfg.RateLimit),
	}
	s.routes()
	go s.hub.Run()
	return s
}

// Hub returns the websocket hub (for the event bridge).
func (s *Server) Hub() *Hub {
	return s.hub
}

// RateLimiter returns the live limiter (for the hot-reload path).
func (s *Server) RateLimiter() *RateLimiter {
	return s.limiter
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.Middleware)

	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)

	api.HandleFunc("/claude", s.handleClaude).Methods(http.MethodPost)
	api.HandleFunc("/claude/batch", s.handleClaudeBatch).Methods(http.MethodPost)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/search", s.handleSearchSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/continue", s.handleContinueSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/status", s.handleSessionStatus).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	api.HandleFunc("/tasks/async", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/queue/status", s.handleQueueStatus).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/history", s.handleTaskHistory).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/priority", s.handleTaskPriority).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	api.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/statistics/summary", s.handleStatsSummary).Methods(http.MethodGet)
	api.HandleFunc("/statistics/daily", s.handleStatsDaily).Methods(http.MethodGet)
	api.HandleFunc("/statistics/range", s.handleStatsRange).Methods(http.MethodGet)
	api.HandleFunc("/statistics/models", s.handleStatsModels).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[SERVER] Listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.config.DebugEnabled() {
			log.Printf("[SERVER] %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

// respondJSON writes v with the given status code.
func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Failed to encode response: %v", err)
	}
}

// respondError writes the canonical {success:false, error} shape.
func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]any{"success": false, "error": msg})
}
