package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetops/agentmanager/internal/audit"
	"github.com/fleetops/agentmanager/internal/orchestrator"
)

// apiListDeployments returns every known deployment, most-recent first is
// not guaranteed — callers that need a specific order should sort client
// side.
func (s *Server) apiListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments := s.orchestrator.List()
	writeJSON(w, http.StatusOK, deployments)
}

// apiGetDeployment returns one deployment's full per-agent detail.
func (s *Server) apiGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dep, ok := s.orchestrator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// apiStartDeployment kicks off a new rollout and returns its initial
// (pending) record. The deployment runs to completion in the background;
// callers poll GET /v1/deployments/{id} for progress.
func (s *Server) apiStartDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetImage   string `json:"target_image"`
		TargetVersion string `json:"target_version"`
		GUIImage      string `json:"gui_image"`
		ProxyImage    string `json:"proxy_image"`
		Strategy      string `json:"strategy"`
		Message       string `json:"message"`
		Changelog     string `json:"changelog"`
		RiskLevel     string `json:"risk_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.TargetImage == "" && body.GUIImage == "" && body.ProxyImage == "" {
		writeError(w, http.StatusBadRequest, "at least one of target_image, gui_image, proxy_image required")
		return
	}
	if body.TargetImage != "" && body.TargetVersion == "" {
		writeError(w, http.StatusBadRequest, "target_version required when target_image is set")
		return
	}

	strategy := orchestrator.Strategy(body.Strategy)
	switch strategy {
	case orchestrator.StrategyImmediate, orchestrator.StrategyCanary:
	case "":
		strategy = orchestrator.StrategyCanary
	default:
		writeError(w, http.StatusBadRequest, "strategy must be \"immediate\" or \"canary\"")
		return
	}

	notification := orchestrator.UpdateNotification{
		TargetImage:   body.TargetImage,
		TargetVersion: body.TargetVersion,
		GUIImage:      body.GUIImage,
		ProxyImage:    body.ProxyImage,
		Strategy:      strategy,
		Message:       body.Message,
		Changelog:     body.Changelog,
		RiskLevel:     body.RiskLevel,
	}
	sess := sessionFromContext(r.Context())
	if sess != nil {
		notification.InitiatedBy = sess.UserID
	}

	dep, err := s.orchestrator.StartDeployment(r.Context(), notification)
	if err != nil {
		if errors.Is(err, orchestrator.ErrDeploymentBusy) {
			writeError(w, http.StatusConflict, "a deployment is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess != nil {
		s.recordAudit(audit.Event{
			EventType:    "deployment_started",
			DeploymentID: dep.ID,
			AgentKey:     sess.UserID,
			Success:      true,
			Details:      map[string]any{"target_image": body.TargetImage, "target_version": body.TargetVersion, "strategy": string(strategy)},
		})
	}
	writeJSON(w, http.StatusAccepted, dep)
}

// apiSetReconciliationSchedule sets the cron expression governing
// scheduled reconciliation scans. An empty schedule disables them.
func (s *Server) apiSetReconciliationSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Schedule string `json:"schedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.config == nil {
		writeError(w, http.StatusNotImplemented, "configuration not available")
		return
	}
	if err := s.config.SetReconciliationSchedule(body.Schedule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
