package tasks

import (
	"context"
	"log"
	"sync"
	"time"
)

// ExecOutcome is the result of running a task's prompt through the agent
// executor. The executor never returns an error; failures are in-band.
type ExecOutcome struct {
	Success    bool
	Result     string
	Error      string
	CostUSD    float64
	DurationMS int64
}

// ExecuteFunc runs a task to completion. Cancelling ctx must terminate
// the underlying child process.
type ExecuteFunc func(ctx context.Context, t *Task) ExecOutcome

// Notifier delivers task lifecycle webhooks. Implementations read the
// per-task webhook URL override from t.Metadata.
type Notifier interface {
	TaskCompleted(t *Task)
	TaskFailed(t *Task, reason string)
	TaskCancelled(t *Task)
	TaskTimeout(t *Task)
}

// EventPublisher fans task lifecycle events out to in-process consumers
// (the NATS plane and, through it, the websocket hub).
type EventPublisher interface {
	PublishEvent(event string, data any)
}

// TransitionRecorder persists an audit record for each status change.
type TransitionRecorder interface {
	RecordTransition(taskID string, from, to TaskStatus, reason string) error
}

const (
	tickInterval  = time.Second
	drainTimeout  = 10 * time.Second
	drainInterval = 100 * time.Millisecond
)

type activeTask struct {
	startedAt time.Time
	cancel    context.CancelFunc
}

// Queue is the priority-ordered, bounded-concurrency task scheduler.
// The scheduler goroutine is the single reservation point: it inserts a
// task ID into the active set synchronously before any blocking call, so
// no two workers ever hold the same task and the active set cardinality
// never exceeds the concurrency cap.
type Queue struct {
	store    *Store
	execute  ExecuteFunc
	notifier Notifier
	events   EventPublisher
	history  TransitionRecorder

	mu             sync.Mutex
	running        bool
	concurrency    int
	defaultTimeout time.Duration
	active         map[string]*activeTask

	kick chan struct{}
	stop chan struct{}
}

// NewQueue creates a stopped queue.
func NewQueue(store *Store, execute ExecuteFunc, notifier Notifier, concurrency int, defaultTimeout time.Duration) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		store:          store,
		execute:        execute,
		notifier:       notifier,
		concurrency:    concurrency,
		defaultTimeout: defaultTimeout,
		active:         make(map[string]*activeTask),
		kick:           make(chan struct{}, 1),
	}
}

// SetEventPublisher wires the event plane. Optional.
func (q *Queue) SetEventPublisher(events EventPublisher) {
	q.mu.Lock()
	q.events = events
	q.mu.Unlock()
}

// SetTransitionRecorder wires the audit trail. Optional.
func (q *Queue) SetTransitionRecorder(history TransitionRecorder) {
	q.mu.Lock()
	q.history = history
	q.mu.Unlock()
}

// Start recovers orphaned work and launches the scheduler loop.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.stop = make(chan struct{})
	q.mu.Unlock()

	// Recovery: anything left in processing belongs to a previous run.
	recovered, err := q.store.ResetProcessing()
	if err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return err
	}
	for _, t := range recovered {
		log.Printf("[QUEUE] Recovered task %s from processing to pending", t.ID)
		q.recordTransition(t.ID, StatusProcessing, StatusPending, "recovered at startup")
	}

	go q.loop()
	q.Kick()
	return nil
}

// loop dispatches on enqueue kicks, with a 1 Hz tick as the safety net.
func (q *Queue) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-q.kick:
			q.dispatch()
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// Kick requests an immediate scheduler pass.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// AddTask validates and persists a task as pending, then wakes the
// scheduler.
func (q *Queue) AddTask(task *Task) error {
	if err := q.store.Create(task); err != nil {
		return err
	}
	log.Printf("[QUEUE] Task %s enqueued (priority %d)", task.ID, task.Priority)
	q.Kick()
	return nil
}

// dispatch fills free concurrency slots from the pending backlog.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.running || len(q.active) >= q.concurrency {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		next, err := q.store.GetNextPending()
		if err != nil {
			log.Printf("[QUEUE] Failed to fetch pending task: %v", err)
			return
		}
		if next == nil {
			return
		}

		// Reserve the slot before any blocking call.
		ctx, cancel := context.WithCancel(context.Background())
		q.mu.Lock()
		if _, dup := q.active[next.ID]; dup {
			q.mu.Unlock()
			cancel()
			return
		}
		q.active[next.ID] = &activeTask{startedAt: time.Now(), cancel: cancel}
		q.mu.Unlock()

		task, err := q.store.MarkProcessing(next.ID)
		if err != nil {
			// Lost the race (cancelled meanwhile, or lock timeout):
			// release the slot and let the next tick retry.
			log.Printf("[QUEUE] Could not mark task %s processing: %v", next.ID, err)
			q.evict(next.ID)
			cancel()
			continue
		}
		q.recordTransition(task.ID, StatusPending, StatusProcessing, "dispatched")

		go q.run(ctx, task)
	}
}

// run executes a single task, racing the per-task timeout.
func (q *Queue) run(ctx context.Context, task *Task) {
	defer func() {
		q.evict(task.ID)
		q.Kick()
	}()

	q.mu.Lock()
	timeout := q.defaultTimeout
	q.mu.Unlock()

	done := make(chan ExecOutcome, 1)
	go func() {
		done <- q.execute(ctx, task)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		if ctx.Err() != nil {
			// Cancelled while executing: status already moved to
			// cancelled, the late result is dropped.
			log.Printf("[QUEUE] Task %s finished after cancellation, result discarded", task.ID)
			return
		}
		q.finish(task, outcome)

	case <-timer.C:
		q.cancelActive(task.ID)
		if _, err := q.store.MarkFailed(task.ID, "Task execution timeout"); err != nil {
			log.Printf("[QUEUE] Task %s timed out but could not be marked failed: %v", task.ID, err)
			return
		}
		log.Printf("[QUEUE] Task %s failed: execution timeout after %s", task.ID, timeout)
		q.recordTransition(task.ID, StatusProcessing, StatusFailed, "execution timeout")
		q.publishEvent("task.timeout", map[string]any{"task_id": task.ID})
		if q.notifier != nil {
			q.notifier.TaskTimeout(task)
		}

	case <-ctx.Done():
		// Cancel() already persisted the terminal state and notified.
		return
	}
}

// cancelActive terminates the in-flight child process for a task.
func (q *Queue) cancelActive(id string) {
	q.mu.Lock()
	if entry, ok := q.active[id]; ok {
		entry.cancel()
	}
	q.mu.Unlock()
}

// finish persists the terminal state and fans out notifications.
func (q *Queue) finish(task *Task, outcome ExecOutcome) {
	if outcome.Success {
		updated, err := q.store.MarkCompleted(task.ID, outcome.Result, outcome.CostUSD, outcome.DurationMS)
		if err != nil {
			log.Printf("[QUEUE] Task %s completed but could not be persisted: %v", task.ID, err)
			return
		}
		log.Printf("[QUEUE] Task %s completed in %dms ($%.4f)", task.ID, outcome.DurationMS, outcome.CostUSD)
		q.recordTransition(task.ID, StatusProcessing, StatusCompleted, "")
		q.publishEvent("task.completed", map[string]any{
			"task_id": task.ID,
			"result":  outcome.Result,
		})
		if q.notifier != nil {
			q.notifier.TaskCompleted(updated)
		}
		return
	}

	updated, err := q.store.MarkFailed(task.ID, outcome.Error)
	if err != nil {
		log.Printf("[QUEUE] Task %s failed but could not be persisted: %v", task.ID, err)
		return
	}
	log.Printf("[QUEUE] Task %s failed: %s", task.ID, outcome.Error)
	q.recordTransition(task.ID, StatusProcessing, StatusFailed, outcome.Error)
	q.publishEvent("task.failed", map[string]any{
		"task_id": task.ID,
		"error":   outcome.Error,
	})
	if q.notifier != nil {
		q.notifier.TaskFailed(updated, outcome.Error)
	}
}

// Cancel moves a pending or processing task to cancelled. The in-flight
// child, if any, is terminated; its eventual output is discarded.
func (q *Queue) Cancel(id string) (*Task, error) {
	q.mu.Lock()
	entry, inFlight := q.active[id]
	q.mu.Unlock()

	task, err := q.store.Cancel(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Already terminal.
		return nil, nil
	}

	from := StatusPending
	if inFlight {
		from = StatusProcessing
		entry.cancel()
	}
	log.Printf("[QUEUE] Task %s cancelled", id)
	q.recordTransition(id, from, StatusCancelled, "cancelled by caller")
	q.publishEvent("task.cancelled", map[string]any{"task_id": id})
	if q.notifier != nil {
		q.notifier.TaskCancelled(task)
	}
	return task, nil
}

// Stop halts dispatching and waits up to 10 seconds for active work to
// drain. In-flight executions are not force-killed on overrun, only
// logged.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)
	q.mu.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for {
		q.mu.Lock()
		remaining := len(q.active)
		q.mu.Unlock()
		if remaining == 0 {
			log.Printf("[QUEUE] Stopped, all tasks drained")
			return
		}
		if time.Now().After(deadline) {
			log.Printf("[QUEUE] Stopped with %d task(s) still active after %s drain window", remaining, drainTimeout)
			return
		}
		time.Sleep(drainInterval)
	}
}

// SetConcurrency changes the live concurrency cap. Applied on the next
// scheduler pass; running tasks above a lowered cap finish normally.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	changed := q.concurrency != n
	q.concurrency = n
	q.mu.Unlock()
	if changed {
		log.Printf("[QUEUE] Concurrency set to %d", n)
		q.Kick()
	}
}

// SetDefaultTimeout changes the per-task timeout for future dispatches.
func (q *Queue) SetDefaultTimeout(d time.Duration) {
	q.mu.Lock()
	changed := q.defaultTimeout != d
	q.defaultTimeout = d
	q.mu.Unlock()
	if changed {
		log.Printf("[QUEUE] Default timeout set to %s", d)
	}
}

// Status is the live scheduler state plus store counters.
type Status struct {
	Running     bool  `json:"running"`
	Concurrency int   `json:"concurrency"`
	ActiveTasks int   `json:"active_tasks"`
	Stats       Stats `json:"stats"`
}

// GetStatus reports the queue's current state.
func (q *Queue) GetStatus() (Status, error) {
	stats, err := q.store.GetStats()
	if err != nil {
		return Status{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Running:     q.running,
		Concurrency: q.concurrency,
		ActiveTasks: len(q.active),
		Stats:       stats,
	}, nil
}

// ActiveCount returns the size of the active set.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *Queue) evict(id string) {
	q.mu.Lock()
	delete(q.active, id)
	q.mu.Unlock()
}

func (q *Queue) publishEvent(event string, data any) {
	q.mu.Lock()
	events := q.events
	q.mu.Unlock()
	if events != nil {
		events.PublishEvent(event, data)
	}
}

func (q *Queue) recordTransition(id string, from, to TaskStatus, reason string) {
	q.mu.Lock()
	history := q.history
	q.mu.Unlock()
	if history == nil {
		return
	}
	if err := history.RecordTransition(id, from, to, reason); err != nil {
		log.Printf("[QUEUE] Failed to record transition for %s: %v", id, err)
	}
}
