package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rahul/warden/internal/agent"
	"github.com/rahul/warden/internal/audit"
)

// Server exposes a read-only HTTP surface for health checks and audit
// inspection. It never mutates engine state; all control flows stay on the
// chat gateways.
type Server struct {
	Agent  *agent.Orchestrator
	Ledger *audit.Ledger
	srv    *http.Server
}

func NewServer(addr string, a *agent.Orchestrator, l *audit.Ledger) *Server {
	s := &Server{Agent: a, Ledger: l}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/audit", s.handleAudit)
	r.Get("/sessions", s.handleSessions)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealthz reports 503 while the emergency stop is tripped so load
// balancers take the engine out of rotation.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.Agent.Health(r.Context())
	status := http.StatusOK
	if h.Emergency.Tripped {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":        !h.Emergency.Tripped,
		"emergency": h.Emergency.Tripped,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Agent.Health(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Agent.Sessions())
}

// handleAudit returns ledger entries, filterable by session, kind, since
// sequence and limit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		SessionID: q.Get("session"),
		Kind:      q.Get("kind"),
		Limit:     100,
	}
	if v := q.Get("since"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since parameter"})
			return
		}
		f.SinceSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		f.Limit = n
	}

	entries, err := s.Ledger.Query(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
