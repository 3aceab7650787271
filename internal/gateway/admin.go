package gateway

import (
	"net/http"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/ingest"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/preference"
)

// handleIngest creates a task from an external producer. X-Agent-ID is
// optional here and, when set, is recorded as the creator.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Ingest.Ingest(r.Context(), agentFrom(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.cfg.Preferences.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if prefs == nil {
		prefs = []persistence.AgentPreference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

func (s *Server) handleGetPreference(w http.ResponseWriter, r *http.Request) {
	eff, err := s.cfg.Preferences.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (s *Server) handleUpdatePreference(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("id")
	var patch preference.Patch
	if err := decodeJSON(r, &patch, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	eff, err := s.cfg.Preferences.Update(r.Context(), target, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := agentFrom(r)
	if actor == "" {
		actor = target
	}
	audit.Record(r.Context(), audit.DecisionAllow, "preference.update", "preference for "+target+" updated", actor)
	writeJSON(w, http.StatusOK, eff)
}
