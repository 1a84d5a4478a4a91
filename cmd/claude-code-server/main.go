// claude-code-server is a long-running HTTP service that fronts the
// Claude CLI: synchronous execution, a priority task queue, session and
// cost tracking, webhooks, and a websocket event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/huenique/claude-code-server/internal/agents"
	"github.com/huenique/claude-code-server/internal/config"
	"github.com/huenique/claude-code-server/internal/executor"
	"github.com/huenique/claude-code-server/internal/history"
	"github.com/huenique/claude-code-server/internal/nats"
	"github.com/huenique/claude-code-server/internal/server"
	"github.com/huenique/claude-code-server/internal/sessions"
	"github.com/huenique/claude-code-server/internal/stats"
	"github.com/huenique/claude-code-server/internal/tasks"
	"github.com/huenique/claude-code-server/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", filepath.Join(config.DefaultBaseDir(), "config.json"), "Configuration file path")
	port := flag.Int("port", 0, "Override the configured HTTP port")
	flag.Parse()

	if err := run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "claude-code-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int) error {
	manager, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg := manager.Get()
		cfg.Port = portOverride
		manager.Set(cfg)
	}
	if err := manager.RequireNonRoot(); err != nil {
		return err
	}
	if manager.DetectPaths() {
		if err := manager.Save(); err != nil {
			log.Printf("[MAIN] Failed to persist detected paths: %v", err)
		}
	}
	cfg := manager.Get()

	setupLogging(cfg.LogFile)
	log.Printf("[MAIN] Starting claude-code-server (config %s)", configPath)

	if err := writePidFile(cfg.PidFile); err != nil {
		return err
	}
	defer os.Remove(cfg.PidFile)

	// Stores live under dataDir, one subdirectory per document.
	sessionStore, err := sessions.NewStore(filepath.Join(cfg.DataDir, "sessions", "sessions.json"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	taskStore, err := tasks.NewStore(filepath.Join(cfg.DataDir, "tasks", "tasks.json"))
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	statsStore, err := stats.NewStore(filepath.Join(cfg.DataDir, "statistics", "statistics.json"))
	if err != nil {
		return fmt.Errorf("failed to open statistics store: %w", err)
	}

	historyStore, err := history.NewStore(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		log.Printf("[MAIN] Task history disabled: %v", err)
		historyStore = nil
	} else {
		defer historyStore.Close()
	}

	profiles, err := agents.LoadRegistry(cfg.AgentsFile)
	if err != nil {
		return fmt.Errorf("failed to load agent profiles: %w", err)
	}

	collector := stats.NewCollector(statsStore,
		time.Duration(cfg.Statistics.CollectionInterval)*time.Millisecond,
		manager.DebugEnabled)
	if cfg.Statistics.Enabled {
		collector.Start()
		defer collector.Stop()
	}

	exec := executor.New(executor.Settings{
		AgentPath:        cfg.AgentPath,
		ToolchainBin:     cfg.ToolchainBin,
		EnableRootCompat: cfg.EnableRootCompatibility,
	}, sessionStore, statsStore, profiles)

	notifier := webhook.NewNotifier(webhook.Config{
		Enabled:    cfg.Webhook.Enabled,
		DefaultURL: cfg.Webhook.DefaultURL,
		Timeout:    time.Duration(cfg.Webhook.Timeout) * time.Millisecond,
		Retries:    cfg.Webhook.Retries,
	})

	queue := tasks.NewQueue(taskStore, func(ctx context.Context, t *tasks.Task) tasks.ExecOutcome {
		res := exec.Execute(ctx, executor.Options{
			Prompt:          t.Prompt,
			ProjectPath:     t.ProjectPath,
			Model:           t.Model,
			SessionID:       t.Metadata.SessionID,
			SystemPrompt:    t.Metadata.SystemPrompt,
			MaxBudgetUSD:    t.Metadata.MaxBudgetUSD,
			AllowedTools:    t.Metadata.AllowedTools,
			DisallowedTools: t.Metadata.DisallowedTools,
			Agent:           t.Metadata.Agent,
			MCPConfig:       t.Metadata.MCPConfig,
		})
		return tasks.ExecOutcome{
			Success:    res.Success,
			Result:     res.Result,
			Error:      res.Error,
			CostUSD:    res.CostUSD,
			DurationMS: res.DurationMS,
		}
	}, notifier, cfg.TaskQueue.Concurrency, time.Duration(cfg.TaskQueue.DefaultTimeout)*time.Millisecond)
	if historyStore != nil {
		queue.SetTransitionRecorder(historyStore)
	}

	srv := server.NewServer(server.Deps{
		Config:    manager,
		Sessions:  sessionStore,
		Tasks:     taskStore,
		Queue:     queue,
		Executor:  exec,
		Collector: collector,
		Notifier:  notifier,
		History:   historyStore,
	})

	// Event plane: embedded NATS bridging queue events to websocket
	// clients. A failure here is not fatal, events fall back to direct
	// hub broadcast.
	var natsServer *nats.EmbeddedServer
	var natsClient *nats.Client
	if cfg.Events.Enabled {
		natsServer, natsClient = startEventPlane(cfg.Events.NATSPort)
	}
	if natsServer != nil {
		defer natsServer.Shutdown()
	}
	if natsClient != nil {
		defer natsClient.Close()
	}

	plane, err := server.NewEventPlane(natsClient, srv.Hub())
	if err != nil {
		log.Printf("[MAIN] Event bridge unavailable: %v", err)
		plane, _ = server.NewEventPlane(nil, srv.Hub())
	}
	defer plane.Close()
	queue.SetEventPublisher(plane)

	if err := queue.Start(); err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}
	defer queue.Stop()

	startRetentionSweep(manager, sessionStore, taskStore, historyStore)

	watcher, err := config.NewWatcher(manager, func(old, new config.Config) {
		applyReload(new, queue, notifier, srv.RateLimiter())
	})
	if err != nil {
		log.Printf("[MAIN] Config hot reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Printf("[MAIN] Received %s, shutting down", sig)
	}

	// Cap the whole teardown, not just the individual steps. The HTTP
	// drain, queue drain, and NATS shutdown below could otherwise stack
	// past the deadline. Stays armed through the deferred stops; a clean
	// exit beats it to process teardown.
	startShutdownWatchdog(shutdownTimeout, os.Exit)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] HTTP shutdown error: %v", err)
	}

	log.Printf("[MAIN] Shutdown complete")
	return nil
}

// startShutdownWatchdog forces the process down if graceful teardown
// overruns d. Stopping the returned timer disarms it.
func startShutdownWatchdog(d time.Duration, exit func(int)) *time.Timer {
	return time.AfterFunc(d, func() {
		log.Printf("[MAIN] Shutdown deadline exceeded, forcing exit")
		exit(1)
	})
}

// applyReload pushes live-changeable settings into running components.
func applyReload(cfg config.Config, queue *tasks.Queue, notifier *webhook.Notifier, limiter *server.RateLimiter) {
	queue.SetConcurrency(cfg.TaskQueue.Concurrency)
	queue.SetDefaultTimeout(time.Duration(cfg.TaskQueue.DefaultTimeout) * time.Millisecond)
	notifier.SetConfig(webhook.Config{
		Enabled:    cfg.Webhook.Enabled,
		DefaultURL: cfg.Webhook.DefaultURL,
		Timeout:    time.Duration(cfg.Webhook.Timeout) * time.Millisecond,
		Retries:    cfg.Webhook.Retries,
	})
	limiter.SetConfig(cfg.RateLimit)
}

// startEventPlane boots the embedded NATS server and a loopback client.
// Any failure is logged and the plane is simply absent.
func startEventPlane(port int) (*nats.EmbeddedServer, *nats.Client) {
	srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: port})
	if err != nil {
		log.Printf("[NATS] Event plane disabled: %v", err)
		return nil, nil
	}
	if err := srv.Start(); err != nil {
		log.Printf("[NATS] Event plane disabled: %v", err)
		return nil, nil
	}
	client, err := nats.NewClient(srv.URL())
	if err != nil {
		log.Printf("[NATS] Event plane disabled: %v", err)
		srv.Shutdown()
		return nil, nil
	}
	log.Printf("[NATS] Event plane ready on %s", srv.URL())
	return srv, client
}

// startRetentionSweep prunes old sessions, terminal tasks, and history
// once a day.
func startRetentionSweep(manager *config.Manager, sessionStore *sessions.Store, taskStore *tasks.Store, historyStore *history.Store) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			days := manager.Get().SessionRetentionDays
			if days <= 0 {
				continue
			}
			if n, err := sessionStore.Cleanup(days); err != nil {
				log.Printf("[MAIN] Session cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[MAIN] Removed %d expired session(s)", n)
			}
			if n, err := taskStore.Cleanup(days); err != nil {
				log.Printf("[MAIN] Task cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[MAIN] Removed %d expired task(s)", n)
			}
			if historyStore != nil {
				if _, err := historyStore.Prune(days); err != nil {
					log.Printf("[MAIN] History prune failed: %v", err)
				}
			}
		}
	}()
}

// setupLogging tees log output to the configured log file.
func setupLogging(logFile string) {
	if logFile == "" {
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[MAIN] Could not open log file %s: %v", logFile, err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// writePidFile records the process ID for external supervisors.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}
