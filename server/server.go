// Package server exposes the dispatcher over HTTP: a streaming message
// endpoint, the agent directory, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/crew"
	"github.com/crewkit/crewkit/dispatch"
)

// Server is the HTTP ingress.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	crews      *crew.Registry
	agents     map[string]config.AgentConfig
	locks      *dispatch.ConversationLocks
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wires the ingress from its collaborators.
func NewServer(cfg config.ServerConfig, dispatcher *dispatch.Dispatcher, crews *crew.Registry, agents map[string]config.AgentConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		crews:      crews,
		agents:     agents,
		locks:      dispatch.NewConversationLocks(),
		logger:     logger,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/{agent}/crew", s.handleListCrew)
		r.Post("/{agent}/messages", s.handleMessage)
	})
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type agentInfo struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]agentInfo, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agentInfo{
			Name:        agent.Name,
			Slug:        agent.Slug,
			Description: agent.Description,
			Active:      agent.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleListCrew(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agent")
	if _, ok := s.agents[agentName]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown agent '%s'", agentName))
		return
	}

	members := s.crews.List(r.Context(), agentName)
	snapshots := make([]crew.Snapshot, 0, len(members))
	for _, member := range members {
		snapshots = append(snapshots, member.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"crew": snapshots})
}

// handleMessage dispatches one user message and streams the event sequence
// as JSON objects, one per event, each terminated by a blank line.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agent")

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AgentName = agentName
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Same-conversation dispatches run strictly in arrival order; the lock
	// is held until the event sequence has terminated.
	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	ctx := r.Context()
	events, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "no crew member found") {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Comment frame flushes proxy buffers before the first event.
	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for event := range events {
		if ctx.Err() != nil {
			return
		}
		if err := encoder.Encode(event); err != nil {
			return
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
}

// ============================================================================
// RESPONSES
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
