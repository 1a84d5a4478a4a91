// Package webhook delivers task and session lifecycle events to HTTP
// callbacks with capped exponential backoff. Delivery failures are
// logged and reported in-band; they never propagate to the caller that
// triggered the event.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/huenique/claude-code-server/internal/tasks"
)

const userAgent = "Claude-API-Server/1.0"

// Config is the notifier's reloadable configuration.
type Config struct {
	Enabled    bool
	DefaultURL string
	Timeout    time.Duration
	Retries    int
}

// Delivery is the in-band outcome of a notify call.
type Delivery struct {
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// payload is the wire format: {event, timestamp, data}.
type payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Notifier posts lifecycle events. Safe for concurrent use; the config
// is swapped wholesale by the hot-reload path.
type Notifier struct {
	mu     sync.RWMutex
	config Config

	// sleep is swappable so retry tests can observe backoff without
	// waiting it out.
	sleep func(time.Duration)
}

// NewNotifier creates a notifier with the given configuration.
func NewNotifier(config Config) *Notifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	return &Notifier{
		config: config,
		sleep:  time.Sleep,
	}
}

// SetConfig replaces the cached configuration (hot reload).
func (n *Notifier) SetConfig(config Config) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	n.mu.Lock()
	n.config = config
	n.mu.Unlock()
}

// backoff returns the wait before attempt n+1: 1s, 2s, 4s... capped at 10s.
func backoff(attempt int) time.Duration {
	ms := 1000 << (attempt - 1)
	if ms > 10000 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// Notify posts {event, timestamp, data} to urlOverride, or the default
// URL when the override is empty.
func (n *Notifier) Notify(event string, data any, urlOverride string) Delivery {
	n.mu.RLock()
	config := n.config
	n.mu.RUnlock()

	if !config.Enabled {
		return Delivery{Success: false, Reason: "disabled"}
	}
	url := urlOverride
	if url == "" {
		url = config.DefaultURL
	}
	if url == "" {
		return Delivery{Success: false, Reason: "no_url"}
	}

	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return Delivery{Success: false, Reason: "marshal_failed", LastError: err.Error()}
	}

	var lastErr string
	for attempt := 1; attempt <= config.Retries; attempt++ {
		if attempt > 1 {
			n.sleep(backoff(attempt - 1))
		}
		if err := n.post(url, body, config.Timeout); err != nil {
			lastErr = err.Error()
			log.Printf("[WEBHOOK] %s delivery attempt %d/%d failed: %v", event, attempt, config.Retries, err)
			continue
		}
		return Delivery{Success: true, Attempt: attempt}
	}

	log.Printf("[WEBHOOK] %s delivery gave up after %d attempts: %s", event, config.Retries, lastErr)
	return Delivery{
		Success:   false,
		Reason:    "max_retries_exceeded",
		Attempts:  config.Retries,
		LastError: lastErr,
	}
}

func (n *Notifier) post(url string, body []byte, timeout time.Duration) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Task lifecycle wrappers with the canonical payload shapes. These
// satisfy the queue's Notifier interface.

func (n *Notifier) TaskCompleted(t *tasks.Task) {
	n.Notify("task.completed", map[string]any{
		"task_id":     t.ID,
		"result":      t.Result,
		"cost_usd":    t.CostUSD,
		"duration_ms": t.DurationMS,
	}, t.Metadata.WebhookURL)
}

func (n *Notifier) TaskFailed(t *tasks.Task, reason string) {
	n.Notify("task.failed", map[string]any{
		"task_id": t.ID,
		"error":   reason,
	}, t.Metadata.WebhookURL)
}

func (n *Notifier) TaskCancelled(t *tasks.Task) {
	n.Notify("task.cancelled", map[string]any{
		"task_id": t.ID,
	}, t.Metadata.WebhookURL)
}

func (n *Notifier) TaskTimeout(t *tasks.Task) {
	n.Notify("task.timeout", map[string]any{
		"task_id": t.ID,
		"error":   "Task execution timeout",
	}, t.Metadata.WebhookURL)
}

// Session lifecycle wrappers.

func (n *Notifier) SessionCreated(sessionID string) {
	n.Notify("session.created", map[string]any{"session_id": sessionID}, "")
}

func (n *Notifier) SessionDeleted(sessionID string) {
	n.Notify("session.deleted", map[string]any{"session_id": sessionID}, "")
}
