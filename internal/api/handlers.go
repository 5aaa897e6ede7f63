package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dbops-platform/internal/alerting"
	"dbops-platform/internal/backup"
	"dbops-platform/internal/orchestrator"
	"dbops-platform/internal/pool"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orch.Status(r.Context()))
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Pool.Stats())
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	// cached=true serves the periodic checker's last snapshot without
	// spending a probe query.
	health := s.Pool.LastHealth()
	if r.URL.Query().Get("cached") != "true" || health.LastChecked.IsZero() {
		health = s.Pool.Health(r.Context())
	}
	code := http.StatusOK
	if health.Status == pool.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type createBackupRequest struct {
	Type   string   `json:"type"`
	Tables []string `json:"tables,omitempty"`
	Label  string   `json:"label,omitempty"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bt := backup.Type(req.Type)
	switch bt {
	case "":
		bt = backup.TypeFull
	case backup.TypeFull, backup.TypeIncremental, backup.TypeDifferential:
	default:
		writeError(w, http.StatusBadRequest, "unknown backup type: "+req.Type)
		return
	}
	res, err := s.Backups.Create(r.Context(), backup.Options{Type: bt, Tables: req.Tables, Label: req.Label})
	if err != nil {
		s.Log.Error("backup create failed", slog.String("type", string(bt)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Backups.List())
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	meta, err := s.Backups.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForBackupErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Backups.Verify(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var cfg backup.RestoreConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.BackupID = chi.URLParam(r, "id")
	res, err := s.Backups.Restore(r.Context(), cfg)
	if err != nil {
		writeError(w, statusForBackupErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanupBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Backups.CleanupExpired(r.Context()))
}

func (s *Server) handleBackupStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Backups.Statistics())
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, s.Alerts.ActiveAlerts())
		return
	}
	writeJSON(w, http.StatusOK, s.Alerts.Alerts())
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Alerts.Overview())
}

type alertActionRequest struct {
	UserID     string `json:"userId"`
	Resolution string `json:"resolution,omitempty"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.Alerts.Acknowledge(chi.URLParam(r, "id"), req.UserID) {
		writeError(w, http.StatusConflict, "alert not found or not acknowledgeable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.Alerts.Resolve(chi.URLParam(r, "id"), req.Resolution, req.UserID) {
		writeError(w, http.StatusConflict, "alert not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Alerts.SecurityEvents())
}

type securityEventRequest struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	RiskScore int            `json:"riskScore"`
}

func (s *Server) handleRecordSecurityEvent(w http.ResponseWriter, r *http.Request) {
	var req securityEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	sev := alerting.Severity(req.Severity)
	if sev == "" {
		sev = alerting.SeverityLow
	}
	ev := s.Alerts.RecordSecurityEvent(req.Type, sev, req.Source, req.Details, req.RiskScore)
	writeJSON(w, http.StatusCreated, ev)
}

type optimizeRequest struct {
	Components []string `json:"components,omitempty"`
	DryRun     bool     `json:"dryRun"`
	Aggressive bool     `json:"aggressive"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	started := time.Now()
	results := s.Orch.Optimize(r.Context(), orchestrator.OptimizeOptions{
		Components: req.Components,
		DryRun:     req.DryRun,
		Aggressive: req.Aggressive,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"duration": time.Since(started).String(),
	})
}
