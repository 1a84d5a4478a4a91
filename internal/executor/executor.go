// Package executor spawns the Claude CLI as a child process and
// attributes cost and usage to sessions and statistics. Every failure
// path maps to an in-band Result; Execute never returns a Go error.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/huenique/claude-code-server/internal/agents"
	"github.com/huenique/claude-code-server/internal/sessions"
	"github.com/huenique/claude-code-server/internal/stats"
)

// hardTimeout bounds a single child run regardless of the caller's
// context; killGrace is how long a SIGTERM'd child gets before SIGKILL.
const (
	hardTimeout = 5 * time.Minute
	killGrace   = 5 * time.Second
)

// SessionStore is the slice of the session store the executor needs.
type SessionStore interface {
	Get(id string) (*sessions.Session, error)
	AddCost(id string, usd float64) error
	IncrementMessages(id string) error
}

// StatsRecorder records every execution attempt.
type StatsRecorder interface {
	RecordRequest(req stats.Request) error
}

// Settings are the process-level knobs for spawning the CLI.
type Settings struct {
	AgentPath        string // absolute path to the claude binary
	ToolchainBin     string // directory prepended to PATH
	EnableRootCompat bool   // sets IS_SANDBOX=1 so the CLI accepts running as root
}

// Options describe a single execution request.
type Options struct {
	Prompt          string
	ProjectPath     string
	Model           string
	SessionID       string
	SystemPrompt    string
	MaxBudgetUSD    float64
	AllowedTools    []string
	DisallowedTools []string
	Agent           string
	MCPConfig       string
}

// Usage is the token accounting reported by the CLI.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of one execution attempt.
type Result struct {
	Success        bool    `json:"success"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	BudgetExceeded bool    `json:"budget_exceeded,omitempty"`
	DurationMS     int64   `json:"duration_ms"`
	CostUSD        float64 `json:"cost_usd"`
	SessionID      string  `json:"session_id,omitempty"`
	Usage          Usage   `json:"usage"`
}

// cliOutput is the single JSON document the CLI writes to stdout.
type cliOutput struct {
	Type         string  `json:"type"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	Usage        Usage   `json:"usage"`
}

// Executor runs the Claude CLI for sync and queued requests.
type Executor struct {
	settings Settings
	sessions SessionStore
	stats    StatsRecorder
	profiles *agents.Registry
}

// New creates an executor. profiles may be nil.
func New(settings Settings, sessionStore SessionStore, statsRecorder StatsRecorder, profiles *agents.Registry) *Executor {
	return &Executor{
		settings: settings,
		sessions: sessionStore,
		stats:    statsRecorder,
		profiles: profiles,
	}
}

// Execute runs one prompt through the CLI. Cancelling ctx terminates the
// child (SIGTERM to its process group, SIGKILL after a grace period).
func (e *Executor) Execute(ctx context.Context, opts Options) Result {
	start := time.Now()
	opts = e.applyProfile(opts)

	// Pre-budget check: refuse to spawn when the session already spent
	// its budget. Statistics are not advanced, nothing ran.
	if opts.SessionID != "" && opts.MaxBudgetUSD > 0 {
		session, err := e.sessions.Get(opts.SessionID)
		if err != nil {
			return e.fail(start, opts, fmt.Sprintf("failed to read session %s: %v", opts.SessionID, err))
		}
		if session.TotalCostUSD >= opts.MaxBudgetUSD {
			return Result{
				Success:        false,
				BudgetExceeded: true,
				Error: fmt.Sprintf("session %s has spent $%.4f of its $%.4f budget",
					opts.SessionID, session.TotalCostUSD, opts.MaxBudgetUSD),
				DurationMS: time.Since(start).Milliseconds(),
				SessionID:  opts.SessionID,
			}
		}
	}

	output, errMsg := e.spawn(ctx, opts)
	if errMsg != "" {
		return e.fail(start, opts, errMsg)
	}

	cost := output.TotalCostUSD

	// Post-budget check: the spend happened but is not attributed to the
	// session. The attempt is still recorded as successful in statistics
	// because the execution ran.
	if opts.SessionID != "" && opts.MaxBudgetUSD > 0 {
		session, err := e.sessions.Get(opts.SessionID)
		if err == nil && session.TotalCostUSD+cost > opts.MaxBudgetUSD {
			e.record(true, opts.Model, cost, output.Usage)
			return Result{
				Success:        false,
				BudgetExceeded: true,
				Error: fmt.Sprintf("completing this request would exceed the session budget ($%.4f + $%.4f > $%.4f)",
					session.TotalCostUSD, cost, opts.MaxBudgetUSD),
				DurationMS: time.Since(start).Milliseconds(),
				CostUSD:    cost,
				SessionID:  opts.SessionID,
				Usage:      output.Usage,
			}
		}
	}

	e.record(true, opts.Model, cost, output.Usage)
	if opts.SessionID != "" {
		if err := e.sessions.AddCost(opts.SessionID, cost); err != nil {
			log.Printf("[EXECUTOR] Failed to attribute cost to session %s: %v", opts.SessionID, err)
		}
		if err := e.sessions.IncrementMessages(opts.SessionID); err != nil {
			log.Printf("[EXECUTOR] Failed to bump message count for session %s: %v", opts.SessionID, err)
		}
	}

	sessionID := output.SessionID
	if sessionID == "" {
		sessionID = opts.SessionID
	}
	return Result{
		Success:    true,
		Result:     output.Result,
		DurationMS: time.Since(start).Milliseconds(),
		CostUSD:    cost,
		SessionID:  sessionID,
		Usage:      output.Usage,
	}
}

// applyProfile fills unset option fields from the named agent profile.
func (e *Executor) applyProfile(opts Options) Options {
	if opts.Agent == "" || e.profiles == nil {
		return opts
	}
	profile, ok := e.profiles.Resolve(opts.Agent)
	if !ok {
		return opts
	}
	if opts.Model == "" {
		opts.Model = profile.Model
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = profile.SystemPrompt
	}
	if len(opts.AllowedTools) == 0 {
		opts.AllowedTools = profile.AllowedTools
	}
	if len(opts.DisallowedTools) == 0 {
		opts.DisallowedTools = profile.DisallowedTools
	}
	return opts
}

// buildArgs assembles the CLI argv. The prompt rides in a single slot and
// is never shell-interpolated.
func (e *Executor) buildArgs(opts Options) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "json"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%g", opts.MaxBudgetUSD))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.Agent != "" {
		args = append(args, "--agent", opts.Agent)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	args = append(args, "--allow-dangerously-skip-permissions")
	return args
}

// buildEnv starts from the process environment, prepends the toolchain
// bin to PATH, and opts into the CLI's sandbox escape only when root
// compatibility is enabled.
func (e *Executor) buildEnv() []string {
	env := os.Environ()
	if e.settings.ToolchainBin != "" {
		for i, kv := range env {
			if strings.HasPrefix(kv, "PATH=") {
				env[i] = "PATH=" + e.settings.ToolchainBin + string(os.PathListSeparator) + kv[len("PATH="):]
				break
			}
		}
	}
	if e.settings.EnableRootCompat {
		env = append(env, "IS_SANDBOX=1")
	}
	return env
}

// spawn runs the CLI and parses its stdout. Returns the parsed output or
// a diagnostic message.
func (e *Executor) spawn(ctx context.Context, opts Options) (*cliOutput, string) {
	runCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.settings.AgentPath, e.buildArgs(opts)...)
	cmd.Dir = opts.ProjectPath
	cmd.Env = e.buildEnv()
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Run the child in its own process group so cancellation reaches the
	// CLI's own children too: polite signal first, force-kill after the
	// grace window.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Sprintf("failed to start %s: %v", e.settings.AgentPath, err)
	}

	err := cmd.Wait()
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return nil, fmt.Sprintf("execution timed out after %s", hardTimeout)
	case runCtx.Err() == context.Canceled:
		return nil, "execution cancelled"
	case err != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Sprintf("claude exited with error: %v: %s", err, msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Sprintf("claude produced no output: %s", msg)
		}
		return nil, "claude produced no output"
	}

	var parsed cliOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Sprintf("failed to parse claude output: %v", err)
	}
	if parsed.IsError {
		return nil, fmt.Sprintf("claude reported an error: %s", parsed.Result)
	}
	return &parsed, ""
}

// fail records the attempt as failed and returns the in-band error.
func (e *Executor) fail(start time.Time, opts Options, errMsg string) Result {
	log.Printf("[EXECUTOR] Execution failed: %s", errMsg)
	e.record(false, opts.Model, 0, Usage{})
	return Result{
		Success:    false,
		Error:      errMsg,
		DurationMS: time.Since(start).Milliseconds(),
		SessionID:  opts.SessionID,
	}
}

func (e *Executor) record(success bool, model string, cost float64, usage Usage) {
	if e.stats == nil {
		return
	}
	err := e.stats.RecordRequest(stats.Request{
		Success:      success,
		Model:        model,
		CostUSD:      cost,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
	if err != nil {
		log.Printf("[EXECUTOR] Failed to record statistics: %v", err)
	}
}
