package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huenique/claude-code-server/internal/executor"
	"github.com/huenique/claude-code-server/internal/sessions"
)

// maxBatchSize caps one batch request.
const maxBatchSize = 10

// claudeRequest is the body of POST /api/claude (and each batch entry).
type claudeRequest struct {
	Prompt          string   `json:"prompt"`
	ProjectPath     string   `json:"project_path"`
	Model           string   `json:"model"`
	SessionID       string   `json:"session_id"`
	SystemPrompt    string   `json:"system_prompt"`
	MaxBudgetUSD    float64  `json:"max_budget_usd"`
	AllowedTools    []string `json:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools"`
	Agent           string   `json:"agent"`
	MCPConfig       string   `json:"mcp_config"`
	WebhookURL      string   `json:"webhook_url"`
	Priority        int      `json:"priority"`
	Async           bool     `json:"async"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	queueStatus, err := s.queue.GetStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(s.collector.Uptime().Seconds()),
		"queue":          queueStatus,
		"ws_clients":     s.hub.ClientCount(),
		"memory":         s.collector.Memory(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config":  s.config.Public(),
	})
}

// handleClaude executes a prompt synchronously, or enqueues it as a task
// when async is set.
func (s *Server) handleClaude(w http.ResponseWriter, r *http.Request) {
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

	// Auto-create a session when none is supplied so cost and message
	// counters always have somewhere to land.
	if req.SessionID == "" {
		session, err := s.sessions.Create(sessions.CreateOptions{
			ProjectPath: req.ProjectPath,
			Model:       req.Model,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to create session: "+err.Error())
			return
		}
		req.SessionID = session.ID
		go s.notifier.SessionCreated(session.ID)
	}

	if req.Async {
		task, err := s.enqueue(req)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"task_id": task.ID,
			"status":  task.Status,
			"task":    task,
		})
		return
	}

	result := s.executor.Execute(r.Context(), executeOptions(req))
	code := http.StatusOK
	if !result.Success && !result.BudgetExceeded {
		code = http.StatusInternalServerError
	}
	respondJSON(w, code, result)
}

// handleClaudeBatch runs up to 10 prompts concurrently and returns the
// results in submission order.
func (s *Server) handleClaudeBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []claudeRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(body.Requests) == 0 {
		respondError(w, http.StatusBadRequest, "requests is required")
		return
	}
	if len(body.Requests) > maxBatchSize {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", maxBatchSize))
		return
	}
	for i := range body.Requests {
		if body.Requests[i].Prompt == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: prompt is required", i))
			return
		}
		s.fillDefaults(&body.Requests[i])
	}

	results := make([]executor.Result, len(body.Requests))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(maxBatchSize)
	for i, req := range body.Requests {
		g.Go(func() error {
			results[i] = s.executor.Execute(ctx, executeOptions(req))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"total":     len(results),
		"succeeded": succeeded,
		"results":   results,
	})
}

// fillDefaults applies configuration fallbacks to an execute request.
func (s *Server) fillDefaults(req *claudeRequest) {
	cfg := s.config.Get()
	if req.ProjectPath == "" {
		req.ProjectPath = cfg.DefaultProjectPath
	}
	if req.Model == "" {
		req.Model = cfg.DefaultModel
	}
	if req.MaxBudgetUSD == 0 {
		req.MaxBudgetUSD = cfg.MaxBudgetUSD
	}
}

func executeOptions(req claudeRequest) executor.Options {
	return executor.Options{
		Prompt:          req.Prompt,
		ProjectPath:     req.ProjectPath,
		Model:           req.Model,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
	}
}
