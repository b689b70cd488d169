package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/apperr"
	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	logx "chatgate/pkg/logx"
)

// ---- connections ----

type createConnectionRequest struct {
	TenantID string              `json:"tenant_id"`
	ID       string              `json:"id"`
	Settings connection.Settings `json:"settings"`
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" || req.ID == "" {
		writeError(w, apperr.New(apperr.CodeValidation, "tenant_id and id are required"))
		return
	}
	info, err := s.registry.Create(r.Context(), req.TenantID, req.ID, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List(r.URL.Query().Get("tenant_id"))
	writeJSON(w, http.StatusOK, map[string]any{"connections": infos})
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Connect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Disconnect(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.registry.Block(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) maintenance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.SetMaintenance(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "maintenance"})
}

func (s *Server) credential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.registry.CredentialFor(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"credential": base64.StdEncoding.EncodeToString(cred.Blob),
		"expires_at": cred.ExpiresAt,
	})
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	queue, err := s.queue.StatusFor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": info,
		"queue":      queue,
		"rate_limit": s.limiter.SnapshotFor(id),
	})
}

func (s *Server) setDefault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" {
		writeError(w, apperr.New(apperr.CodeValidation, "tenant_id is required"))
		return
	}
	if err := s.registry.SetDefault(r.Context(), req.TenantID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"default": chi.URLParam(r, "id")})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings connection.Settings
	if err := decodeBody(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.UpdateSettings(r.Context(), id, settings); err != nil {
		writeError(w, err)
		return
	}
	if settings.DailyMessageCap > 0 {
		s.limiter.SetCap(id, settings.DailyMessageCap)
	}
	info, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ---- messages / queue ----

type sendRequest struct {
	ConnectionID string             `json:"connection_id"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Payload      automation.Payload `json:"payload"`
	Recipients   []string           `json:"recipients"`
	Priority     string             `json:"priority,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	connID := req.ConnectionID
	if connID == "" && req.TenantID != "" {
		connID = s.registry.DefaultFor(req.TenantID)
	}
	if connID == "" {
		writeError(w, apperr.New(apperr.CodeValidation, "connection_id or tenant_id with a default connection is required"))
		return
	}
	priority, ok := delivery.ParsePriority(req.Priority)
	if !ok {
		writeError(w, apperr.Newf(apperr.CodeValidation, "unknown priority %q", req.Priority))
		return
	}
	res, err := s.queue.Enqueue(r.Context(), connID, req.Payload, req.Recipients, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) clearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ClearFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.StatusFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ---- health ----

func (s *Server) healthBasic(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Current()
	status := http.StatusOK
	if !snap.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": snap.Status, "timestamp": snap.Timestamp})
}

func (s *Server) healthDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Detailed())
}

func (s *Server) healthSubsystem(w http.ResponseWriter, r *http.Request) {
	res, err := s.monitor.Subsystem(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.monitor.History()})
}

func (s *Server) healthTrigger(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Run(r.Context())
	s.log.Info("health check triggered manually", logx.String("status", snap.Status))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"health": s.monitor.Detailed(),
		"fleet":  s.registry.GetFleetStats(),
	}
	if s.alerts != nil {
		out["alerts"] = s.alerts.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}
