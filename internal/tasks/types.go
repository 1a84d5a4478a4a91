package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// DefaultPriority is assigned when a submission carries none.
const DefaultPriority = 5

// Metadata carries the optional execution parameters lifted onto the
// executor when the task is dispatched.
type Metadata struct {
	WebhookURL      string   `json:"webhook_url,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	MaxBudgetUSD    float64  `json:"max_budget_usd,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	Agent           string   `json:"agent,omitempty"`
	MCPConfig       string   `json:"mcp_config,omitempty"`
}

// Task is a durable unit of asynchronous work.
type Task struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"` // 1-10, higher dispatches earlier
	Prompt      string     `json:"prompt"`
	ProjectPath string     `json:"project_path"`
	Model       string     `json:"model,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
	Metadata    Metadata   `json:"metadata"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// validTransitions defines allowed status transitions. Terminal states
// have no successors.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// NewTask creates a pending task with an auto-generated ID.
func NewTask(prompt, projectPath, model string, priority int, meta Metadata) *Task {
	if priority == 0 {
		priority = DefaultPriority
	}
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		Priority:    priority,
		Prompt:      prompt,
		ProjectPath: projectPath,
		Model:       model,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks that the task has usable field values.
func (t *Task) Validate() error {
	if t.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("priority must be between 1 and 10")
	}
	return nil
}

// TransitionTo attempts to move the task to a new status, stamping
// UpdatedAt and the started/completed timestamps.
func (t *Task) TransitionTo(newStatus TaskStatus) error {
	allowed := validTransitions[t.Status]
	for _, s := range allowed {
		if s != newStatus {
			continue
		}
		now := time.Now().UTC()
		t.Status = newStatus
		t.UpdatedAt = now
		switch newStatus {
		case StatusProcessing:
			t.StartedAt = &now
		case StatusCompleted, StatusFailed, StatusCancelled:
			t.CompletedAt = &now
		}
		return nil
	}
	return fmt.Errorf("invalid transition from %s to %s", t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
