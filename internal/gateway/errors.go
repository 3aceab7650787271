package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/validation"
)

// apiError is the body of every non-2xx response.
type apiError struct {
	Code         string                  `json:"code"`
	Message      string                  `json:"message"`
	Requirements []string                `json:"requirements,omitempty"`
	Details      []validation.FieldError `json:"details,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var conflictCodes = []struct {
	err  error
	code string
}{
	{persistence.ErrVersionConflict, "version_conflict"},
	{persistence.ErrAlreadyLocked, "already_locked"},
	{persistence.ErrNotOwner, "not_owner"},
	{persistence.ErrLockNotFound, "lock_not_found"},
	{persistence.ErrActiveLimit, "active_limit"},
	{persistence.ErrInvalidState, "invalid_state"},
}

// statusFor maps a service error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	if ve, ok := validation.As(err); ok {
		return ve.Status, ve.Code
	}
	for _, c := range conflictCodes {
		if errors.Is(err, c.err) {
			return http.StatusConflict, c.code
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, persistence.ErrAgentInactive):
		return http.StatusForbidden, "agent_inactive"
	case errors.Is(err, persistence.ErrContention):
		return http.StatusServiceUnavailable, "contention"
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request.too_large"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := apiError{Code: code, Message: err.Error()}
	if ve, ok := validation.As(err); ok {
		body.Message = ve.Message
		body.Requirements = ve.Requirements
		body.Details = ve.Details
	}
	switch status {
	case http.StatusInternalServerError:
		s.logger.ErrorContext(r.Context(), "gateway: request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func agentFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderAgentID))
}

// requireAgent returns the calling agent or writes a 401.
func (s *Server) requireAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := agentFrom(r)
	if id == "" {
		s.writeError(w, r, validation.Errorf(http.StatusUnauthorized, "request.missing_agent",
			"%s header is required", HeaderAgentID))
		return "", false
	}
	return id, true
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return validation.New(http.StatusBadRequest, "request.invalid_json",
			fmt.Sprintf("request body is not valid JSON: %v", err))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
