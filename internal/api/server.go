// Package api exposes the operations surface over HTTP: pool status, backup
// lifecycle, alert management and optimization runs.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dbops-platform/internal/alerting"
	"dbops-platform/internal/backup"
	"dbops-platform/internal/orchestrator"
	"dbops-platform/internal/pool"
)

type Server struct {
	Pool    *pool.Pool
	Backups *backup.Manager
	Alerts  *alerting.Engine
	Orch    *orchestrator.Orchestrator
	Log     *slog.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/pool/stats", s.handlePoolStats)
	r.Get("/pool/health", s.handlePoolHealth)

	r.Route("/backups", func(r chi.Router) {
		r.Get("/", s.handleListBackups)
		r.Post("/", s.handleCreateBackup)
		r.Get("/stats", s.handleBackupStats)
		r.Post("/cleanup", s.handleCleanupBackups)
		r.Get("/{id}", s.handleGetBackup)
		r.Post("/{id}/verify", s.handleVerifyBackup)
		r.Post("/{id}/restore", s.handleRestoreBackup)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Get("/overview", s.handleOverview)
		r.Post("/{id}/acknowledge", s.handleAcknowledgeAlert)
		r.Post("/{id}/resolve", s.handleResolveAlert)
	})

	r.Get("/security/events", s.handleSecurityEvents)
	r.Post("/security/events", s.handleRecordSecurityEvent)

	r.Post("/optimize", s.handleOptimize)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func statusForBackupErr(err error) int {
	if errors.Is(err, backup.ErrBackupNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
