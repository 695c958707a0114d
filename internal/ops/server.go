// Package ops serves the operational HTTP surface: health, session
// inspection, manual lifecycle actions, and metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/burrowhq/burrow/internal/observability"
	"github.com/burrowhq/burrow/internal/orchestrator"
	"github.com/burrowhq/burrow/internal/reaper"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/session"
	"github.com/burrowhq/burrow/internal/state"
)

type Server struct {
	manager  *session.Manager
	registry *registry.Registry
	store    *state.Store
	reaper   *reaper.Reaper
	orch     *orchestrator.Orchestrator
	metrics  *observability.Metrics
	logger   *log.Logger

	http *http.Server
}

func NewServer(addr string, manager *session.Manager, reg *registry.Registry, store *state.Store, rp *reaper.Reaper, orch *orchestrator.Orchestrator, metrics *observability.Metrics, logger *log.Logger) *Server {
	s := &Server{
		manager:  manager,
		registry: reg,
		store:    store,
		reaper:   rp,
		orch:     orch,
		metrics:  metrics,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/v1/messages", s.handleInboundMessage)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{threadID}", s.handleGetSession)
	r.Get("/v1/sessions/{threadID}/messages", s.handleListMessages)
	r.Post("/v1/sessions/{threadID}/stop", s.handleStopSession)
	r.Post("/v1/reap", s.handleReap)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// h2c lets gRPC-style HTTP/2 clients reach the surface without TLS on
	// loopback deployments.
	s.http = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(r, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener, used by tests and socket
// activation.
func (s *Server) Serve(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInboundMessage is the ingestion point for chat relays. The response
// carries the reply so relays without a webhook can deliver it themselves.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID string `json:"thread_id"`
		UserID   string `json:"user_id"`
		Text     string `json:"text"`
		Mention  bool   `json:"mention"`
		Context  string `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" || req.Text == "" {
		http.Error(w, "thread_id and text are required", http.StatusBadRequest)
		return
	}

	reply, handled, err := s.orch.HandleMessage(r.Context(), orchestrator.InboundMessage{
		ThreadID: req.ThreadID,
		UserID:   req.UserID,
		Text:     req.Text,
		Mention:  req.Mention,
		Context:  req.Context,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handled": handled,
		"reply":   reply,
	})
}

type sessionView struct {
	ThreadID         string    `json:"thread_id"`
	BackendSessionID string    `json:"backend_session_id"`
	VolumeID         string    `json:"volume_id"`
	Endpoint         string    `json:"endpoint"`
	Status           string    `json:"status"`
	Context          string    `json:"context,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

func viewOf(rec registry.Record) sessionView {
	return sessionView{
		ThreadID:         rec.Session.ThreadID,
		BackendSessionID: rec.Session.BackendSessionID,
		VolumeID:         rec.Session.VolumeID,
		Endpoint:         rec.Session.Endpoint,
		Status:           string(rec.Session.Status),
		Context:          rec.Context,
		CreatedAt:        rec.Session.CreatedAt,
		LastActivity:     rec.Session.LastActivity,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		recs []registry.Record
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		recs, err = s.registry.ListByStatus(r.Context(), sandbox.Status(status))
	} else {
		recs, err = s.registry.ListSessions(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	rec, err := s.registry.GetSession(r.Context(), threadID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		http.Error(w, "no session for thread", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*rec))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	msgs, err := s.registry.Messages(r.Context(), threadID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	type messageView struct {
		ID             string         `json:"id"`
		SequenceNumber int64          `json:"sequence_number"`
		Role           string         `json:"role"`
		Content        string         `json:"content"`
		Metadata       map[string]any `json:"metadata,omitempty"`
		CreatedAt      time.Time      `json:"created_at"`
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:             m.ID,
			SequenceNumber: m.SequenceNumber,
			Role:           m.Role,
			Content:        m.Content,
			Metadata:       m.Metadata,
			CreatedAt:      m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views})
}

// handleStopSession stops a thread's sandbox under the thread's state lock.
// A held lock means a message is mid-flight; the caller gets a 409 and can
// retry. Passing unsubscribe=true also drops the thread's subscription,
// which is the only path that ever removes one.
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	rec, err := s.registry.GetSession(r.Context(), threadID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		http.Error(w, "no session for thread", http.StatusNotFound)
		return
	}

	lock, err := s.store.AcquireLock(r.Context(), threadID, time.Minute)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if lock == nil {
		http.Error(w, "thread is busy", http.StatusConflict)
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(r.Context(), lock); err != nil {
			s.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", err)
		}
	}()

	if err := s.manager.Stop(r.Context(), threadID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.URL.Query().Get("unsubscribe") == "true" {
		if err := s.manager.Unsubscribe(r.Context(), threadID); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	n, err := s.reaper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("ops request failed", "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
