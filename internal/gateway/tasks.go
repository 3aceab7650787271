package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/workqueue/internal/artifact"
	"github.com/basket/workqueue/internal/claim"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/basket/workqueue/internal/submission"
	"github.com/basket/workqueue/internal/validation"
)

const multipartMemory = 8 << 20

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req claim.Request
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Claims.Claim(r.Context(), agentID, req)
	if errors.Is(err, persistence.ErrNoEligibleTask) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type acceptRequest struct {
	Version *int64 `json:"version"`
	Status  string `json:"status,omitempty"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req acceptRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Version == nil {
		s.writeError(w, r, missingField("version"))
		return
	}
	res, err := s.cfg.Claims.Accept(r.Context(), agentID, r.PathValue("id"), *req.Version, req.Status, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	Version *int64 `json:"version"`
	Token   string `json:"token"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.Version == nil:
		s.writeError(w, r, missingField("version"))
		return
	case strings.TrimSpace(req.Token) == "":
		s.writeError(w, r, missingField("token"))
		return
	}
	task, err := s.cfg.Claims.Release(r.Context(), agentID, r.PathValue("id"), *req.Version, req.Token, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// handleSubmit accepts either a JSON submission or a multipart form with a
// "submission" JSON field and any number of "files" parts.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var req submission.Request
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		parsed, err := readMultipartSubmission(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		req = parsed
	} else if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.TaskID = r.PathValue("id")

	res, err := s.cfg.Submissions.Submit(r.Context(), agentID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func readMultipartSubmission(r *http.Request) (submission.Request, error) {
	var req submission.Request
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, err
		}
		return req, validation.New(http.StatusBadRequest, "request.invalid_multipart",
			fmt.Sprintf("multipart body rejected: %v", err))
	}
	defer r.MultipartForm.RemoveAll()

	raw := r.MultipartForm.Value["submission"]
	if len(raw) == 0 {
		return req, missingField("submission")
	}
	if err := json.Unmarshal([]byte(raw[0]), &req); err != nil {
		return req, validation.New(http.StatusBadRequest, "request.invalid_json",
			fmt.Sprintf("submission field is not valid JSON: %v", err))
	}
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return req, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return req, fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}
		req.Files = append(req.Files, artifact.Upload{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Data:      data,
		})
	}
	return req, nil
}

// handleListTasks filters by ?segment=, ?status= (comma separated),
// ?assigned_to= and ?limit=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Segment:    strings.ToLower(strings.TrimSpace(q.Get("segment"))),
		Statuses:   splitList(q.Get("status")),
		AssignedTo: q.Get("assigned_to"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, validation.New(http.StatusBadRequest, "request.invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = n
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	instr, err := s.cfg.Claims.Instructions(r.Context(), task.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "instructions": instr})
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.cfg.Store.ListHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "history": history})
}

func (s *Server) handleTaskArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	artifacts, err := s.cfg.Store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []persistence.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "artifacts": artifacts})
}

func missingField(field string) error {
	return validation.Errorf(http.StatusBadRequest, "request.missing_field", "%s is required", field).
		WithDetail(field, "required")
}
