package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/huenique/claude-code-server/internal/sessions"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectPath string         `json:"project_path"`
		Model       string         `json:"model"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cfg := s.config.Get()
	if body.ProjectPath == "" {
		body.ProjectPath = cfg.DefaultProjectPath
	}
	if body.Model == "" {
		body.Model = cfg.DefaultModel
	}

	session, err := s.sessions.Create(sessions.CreateOptions{
		ProjectPath: body.ProjectPath,
		Model:       body.Model,
		Metadata:    body.Metadata,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	go s.notifier.SessionCreated(session.ID)

	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"session": session,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.sessions.List(sessions.ListOptions{
		Status:      sessions.SessionStatus(q.Get("status")),
		ProjectPath: q.Get("project_path"),
		Limit:       intQuery(q.Get("limit")),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(list),
		"sessions": list,
	})
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	list, err := s.sessions.Search(q, intQuery(r.URL.Query().Get("limit")))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(list),
		"sessions": list,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": session,
	})
}

// handleContinueSession appends a turn to an existing session.
func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.sessions.Get(id)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	if session.Status != sessions.StatusActive {
		respondError(w, http.StatusInternalServerError,
			"session is "+string(session.Status)+", only active sessions can be continued")
		return
	}

	var req claudeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	req.SessionID = session.ID
	if req.ProjectPath == "" {
		req.ProjectPath = session.ProjectPath
	}
	if req.Model == "" {
		req.Model = session.Model
	}
	s.fillDefaults(&req)

	result := s.executor.Execute(r.Context(), executeOptions(req))
	code := http.StatusOK
	if !result.Success && !result.BudgetExceeded {
		code = http.StatusInternalServerError
	}
	respondJSON(w, code, result)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	status := sessions.SessionStatus(body.Status)
	if !sessions.ValidStatus(status) {
		respondError(w, http.StatusBadRequest, "status must be one of active, archived, closed")
		return
	}

	session, err := s.sessions.Update(mux.Vars(r)["id"], sessions.Patch{Status: &status})
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": session,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Delete(id); err != nil {
		respondSessionError(w, err)
		return
	}
	go s.notifier.SessionDeleted(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": id,
	})
}

func respondSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, sessions.ErrNotFound) {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

// intQuery parses a numeric query parameter, returning 0 when absent or
// malformed.
func intQuery(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
