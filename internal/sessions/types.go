package sessions

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusArchived SessionStatus = "archived"
	StatusClosed   SessionStatus = "closed"
)

// ValidStatus reports whether s is a recognized session status.
func ValidStatus(s SessionStatus) bool {
	switch s {
	case StatusActive, StatusArchived, StatusClosed:
		return true
	}
	return false
}

// Session is a persistent conversational context with accumulated cost.
// TotalCostUSD and MessagesCount are monotonic; only the executor (via
// AddCost/IncrementMessages) advances them.
type Session struct {
	ID            string         `json:"id"`
	ProjectPath   string         `json:"project_path"`
	Model         string         `json:"model,omitempty"`
	Status        SessionStatus  `json:"status"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	MessagesCount int            `json:"messages_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
