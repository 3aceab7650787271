package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/basket/workqueue/internal/persistence"
)

type lockRequest struct {
	Scope      string `json:"scope"`
	TargetID   string `json:"target_id"`
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type lockResponse struct {
	LeaseID   string    `json:"lease_id"`
	Scope     string    `json:"scope"`
	TargetID  string    `json:"target_id"`
	OwnerID   string    `json:"owner_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toLockResponse(l *persistence.Lease) lockResponse {
	return lockResponse{
		LeaseID:   l.ID,
		Scope:     l.Scope,
		TargetID:  l.TargetID,
		OwnerID:   l.OwnerID,
		Token:     l.Token,
		ExpiresAt: l.ExpiresAt,
	}
}

func (s *Server) ttl(seconds int) time.Duration {
	if seconds == 0 {
		return s.cfg.DefaultLeaseTTL
	}
	return time.Duration(seconds) * time.Second
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		s.writeError(w, r, missingField("target_id"))
		return
	}
	l, err := s.cfg.Leases.Acquire(r.Context(), strings.ToLower(req.Scope), req.TargetID, agentID, s.ttl(req.TTLSeconds))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLockResponse(l))
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		s.writeError(w, r, missingField("token"))
		return
	}
	if err := s.cfg.Leases.Release(r.Context(), req.Token, agentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		s.writeError(w, r, missingField("token"))
		return
	}
	l, err := s.cfg.Leases.Renew(r.Context(), req.Token, agentID, s.ttl(req.TTLSeconds))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLockResponse(l))
}
