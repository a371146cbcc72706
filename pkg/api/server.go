// Package api serves the broker's admin and observability endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/telemetry"
	"github.com/virtdesk/broker/pkg/usersync"
)

const shutdownTimeout = 10 * time.Second

// ConnectionDeleter removes a catalog entry from the gateway.
type ConnectionDeleter interface {
	DeleteConnection(ctx context.Context, connID string) error
}

// Server is the admin HTTP listener.
type Server struct {
	addr    string
	store   session.Store
	rt      runtime.Runtime
	gateway ConnectionDeleter
	stats   func() usersync.Stats
	healthy func() bool
	router  chi.Router
}

// New creates the admin server. stats and healthy may be nil.
func New(addr string, store session.Store, rt runtime.Runtime, gateway ConnectionDeleter,
	stats func() usersync.Stats, healthy func() bool) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		rt:      rt,
		gateway: gateway,
		stats:   stats,
		healthy: healthy,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sync/stats", s.handleSyncStats)
	})

	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Admin API listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.healthy != nil && !s.healthy() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession tears the session down completely: workload, catalog
// entry, and the stored row.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := s.store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	if sess.WorkloadID != nil {
		if err := s.rt.DestroyWorkload(ctx, *sess.WorkloadID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		telemetry.WorkloadsDestroyed.WithLabelValues("api").Inc()
	}
	if sess.ConnectionID != nil && s.gateway != nil {
		if err := s.gateway.DeleteConnection(ctx, *sess.ConnectionID); err != nil {
			logger.Warnf("Deleting catalog entry %s: %v", *sess.ConnectionID, err)
		}
	}
	if err := s.store.Delete(ctx, sess.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, usersync.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("Encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
