package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/fleetops/agentmanager/internal/audit"
	"github.com/fleetops/agentmanager/internal/sidecar"
)

// apiGetSidecarHistory returns the version history (current/n-1/n-2) for
// the GUI or proxy front-end container.
func (s *Server) apiGetSidecarHistory(w http.ResponseWriter, r *http.Request) {
	kind, ok := sidecarKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "kind must be \"gui\" or \"proxy\"")
		return
	}
	if s.sidecar == nil {
		writeError(w, http.StatusNotImplemented, "sidecar management not available")
		return
	}
	writeJSON(w, http.StatusOK, s.sidecar.HistoryFor(kind))
}

// apiUpdateSidecar recreates the GUI or proxy container with a new image
// and tag, rotating its version history on success.
func (s *Server) apiUpdateSidecar(w http.ResponseWriter, r *http.Request) {
	kind, ok := sidecarKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "kind must be \"gui\" or \"proxy\"")
		return
	}
	if s.sidecar == nil {
		writeError(w, http.StatusNotImplemented, "sidecar management not available")
		return
	}

	var body struct {
		Image string `json:"image"`
		Tag   string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Image == "" || body.Tag == "" {
		writeError(w, http.StatusBadRequest, "image and tag required")
		return
	}

	pattern := s.sidecarNamePattern(kind)
	err := s.sidecar.Update(r.Context(), kind, pattern, body.Image, body.Tag)
	s.recordAudit(audit.Event{
		EventType: "sidecar_update",
		AgentKey:  string(kind),
		Success:   err == nil,
		Details:   map[string]any{"image": body.Image, "tag": body.Tag},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// apiRollbackSidecar recreates the GUI or proxy container using a
// previously recorded n-1 or n-2 slot, without altering the history.
func (s *Server) apiRollbackSidecar(w http.ResponseWriter, r *http.Request) {
	kind, ok := sidecarKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "kind must be \"gui\" or \"proxy\"")
		return
	}
	if s.sidecar == nil {
		writeError(w, http.StatusNotImplemented, "sidecar management not available")
		return
	}

	var body struct {
		Slot string `json:"slot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pattern := s.sidecarNamePattern(kind)
	repo := s.sidecarImageRepo(kind)
	err := s.sidecar.RollbackTo(r.Context(), kind, body.Slot, pattern, repo)
	s.recordAudit(audit.Event{
		EventType: "sidecar_rollback",
		AgentKey:  string(kind),
		Success:   err == nil,
		Details:   map[string]any{"slot": body.Slot},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sidecarKind(s string) (sidecar.Kind, bool) {
	switch sidecar.Kind(s) {
	case sidecar.KindGUI:
		return sidecar.KindGUI, true
	case sidecar.KindProxy:
		return sidecar.KindProxy, true
	default:
		return "", false
	}
}

func (s *Server) sidecarNamePattern(kind sidecar.Kind) string {
	if s.config == nil {
		return ""
	}
	if kind == sidecar.KindGUI {
		return s.config.GUINamePattern
	}
	return s.config.ProxyNamePattern
}

func (s *Server) sidecarImageRepo(kind sidecar.Kind) string {
	if s.config == nil {
		return ""
	}
	if kind == sidecar.KindGUI {
		return s.config.GUIImageRepo
	}
	return s.config.ProxyImageRepo
}
