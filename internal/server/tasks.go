package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/huenique/claude-code-server/internal/tasks"
)

// enqueue builds a pending task from an execute request and hands it to
// the queue.
func (s *Server) enqueue(req claudeRequest) (*tasks.Task, error) {
	task := tasks.NewTask(req.Prompt, req.ProjectPath, req.Model, req.Priority, tasks.Metadata{
		WebhookURL:      req.WebhookURL,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
	})
	if err := s.queue.AddTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// handleCreateTask enqueues a task without running anything inline.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req claudeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	s.fillDefaults(&req)

	task, err := s.enqueue(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.tasks.List(tasks.TaskStatus(q.Get("status")), intQuery(q.Get("limit")))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(list),
		"tasks":   list,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(mux.Vars(r)["id"])
	if err != nil {
		respondTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

// handleTaskPriority reprioritizes a task that has not finished yet.
func (s *Server) handleTaskPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Priority < 1 || body.Priority > 10 {
		respondError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}

	task, err := s.tasks.Update(mux.Vars(r)["id"], func(t *tasks.Task) error {
		if t.IsTerminal() {
			return errors.New("cannot change priority of a " + string(t.Status) + " task")
		}
		t.Priority = body.Priority
		return nil
	})
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			respondTaskError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.queue.Kick()
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

// handleCancelTask cancels a pending or processing task. Cancelling an
// already-terminal task is a 400.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Cancel(mux.Vars(r)["id"])
	if err != nil {
		respondTaskError(w, err)
		return
	}
	if task == nil {
		respondError(w, http.StatusBadRequest, "task is already in a terminal state")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"task":    task,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.GetStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queue":   status,
	})
}

// handleTaskHistory returns a task's status transition audit trail.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.tasks.Get(id); err != nil {
		respondTaskError(w, err)
		return
	}
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"history": []any{},
		})
		return
	}
	entries, err := s.history.ListByTask(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"history": entries,
	})
}

func respondTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
