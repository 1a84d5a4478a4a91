package tasks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	cancelled []string
	timedOut  []string
}

func (n *fakeNotifier) TaskCompleted(t *Task) {
	n.mu.Lock()
	n.completed = append(n.completed, t.ID)
	n.mu.Unlock()
}

func (n *fakeNotifier) TaskFailed(t *Task, reason string) {
	n.mu.Lock()
	n.failed = append(n.failed, t.ID)
	n.mu.Unlock()
}

func (n *fakeNotifier) TaskCancelled(t *Task) {
	n.mu.Lock()
	n.cancelled = append(n.cancelled, t.ID)
	n.mu.Unlock()
}

func (n *fakeNotifier) TaskTimeout(t *Task) {
	n.mu.Lock()
	n.timedOut = append(n.timedOut, t.ID)
	n.mu.Unlock()
}

func newTestQueue(t *testing.T, execute ExecuteFunc, concurrency int, timeout time.Duration) (*Queue, *Store, *fakeNotifier) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	notifier := &fakeNotifier{}
	q := NewQueue(store, execute, notifier, concurrency, timeout)
	return q, store, notifier
}

func TestQueueRunsTask(t *testing.T) {
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		return ExecOutcome{Success: true, Result: "done: " + task.Prompt, CostUSD: 0.02, DurationMS: 5}
	}
	q, store, notifier := newTestQueue(t, execute, 2, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	task := NewTask("hello", "/p", "", 5, Metadata{})
	if err := q.AddTask(task); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		loaded, err := store.Get(task.ID)
		return err == nil && loaded.Status == StatusCompleted
	}, "task completion")

	loaded, _ := store.Get(task.ID)
	if loaded.Result != "done: hello" || loaded.CostUSD != 0.02 {
		t.Errorf("completed task: %+v", loaded)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.completed) != 1 || notifier.completed[0] != task.ID {
		t.Errorf("completed notifications: %v", notifier.completed)
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ExecOutcome{Success: true}
	}
	q, store, _ := newTestQueue(t, execute, 2, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	ids := make([]string, 4)
	for i := range ids {
		task := NewTask("work", "/p", "", 5, Metadata{})
		ids[i] = task.ID
		if err := q.AddTask(task); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return q.ActiveCount() == 2 }, "both slots busy")

	// The cap must hold while workers are blocked.
	time.Sleep(100 * time.Millisecond)
	if n := q.ActiveCount(); n != 2 {
		t.Fatalf("active = %d, want 2", n)
	}
	stats, _ := store.GetStats()
	if stats.Processing != 2 || stats.Pending != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	close(release)
	waitFor(t, 3*time.Second, func() bool {
		stats, err := store.GetStats()
		return err == nil && stats.Completed == 4
	}, "all tasks completed")
}

func TestQueuePriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		mu.Lock()
		order = append(order, task.Prompt)
		mu.Unlock()
		if task.Prompt == "blocker" {
			<-gate
		}
		return ExecOutcome{Success: true}
	}
	q, store, _ := newTestQueue(t, execute, 1, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	// Occupy the single slot, then build a backlog.
	if err := q.AddTask(NewTask("blocker", "/p", "", 10, Metadata{})); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.ActiveCount() == 1 }, "blocker running")

	q.AddTask(NewTask("normal", "/p", "", 5, Metadata{}))
	time.Sleep(2 * time.Millisecond)
	q.AddTask(NewTask("urgent", "/p", "", 9, Metadata{}))
	time.Sleep(2 * time.Millisecond)
	q.AddTask(NewTask("normal later", "/p", "", 5, Metadata{}))

	close(gate)
	waitFor(t, 3*time.Second, func() bool {
		stats, err := store.GetStats()
		return err == nil && stats.Completed == 4
	}, "backlog drained")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocker", "urgent", "normal", "normal later"}
	for i, prompt := range want {
		if order[i] != prompt {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestQueueTimeout(t *testing.T) {
	ctxCancelled := make(chan struct{})
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		<-ctx.Done()
		close(ctxCancelled)
		return ExecOutcome{Success: true, Result: "too late"}
	}
	q, store, notifier := newTestQueue(t, execute, 1, 50*time.Millisecond)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	task := NewTask("slow", "/p", "", 5, Metadata{})
	if err := q.AddTask(task); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		loaded, err := store.Get(task.ID)
		return err == nil && loaded.Status == StatusFailed
	}, "timeout failure")

	loaded, _ := store.Get(task.ID)
	if loaded.Error != "Task execution timeout" {
		t.Errorf("error = %q", loaded.Error)
	}

	select {
	case <-ctxCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("executor context was not cancelled on timeout")
	}

	// The late result must not overwrite the failure.
	time.Sleep(50 * time.Millisecond)
	loaded, _ = store.Get(task.ID)
	if loaded.Status != StatusFailed || loaded.Result != "" {
		t.Errorf("late result overwrote timeout: %+v", loaded)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.timedOut) != 1 {
		t.Errorf("timeout notifications: %v", notifier.timedOut)
	}
}

func TestQueueCancelInFlight(t *testing.T) {
	started := make(chan struct{})
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		close(started)
		<-ctx.Done()
		return ExecOutcome{Success: true, Result: "ran anyway"}
	}
	q, store, notifier := newTestQueue(t, execute, 1, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	task := NewTask("cancel me", "/p", "", 5, Metadata{})
	if err := q.AddTask(task); err != nil {
		t.Fatal(err)
	}
	<-started

	cancelled, err := q.Cancel(task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled == nil || cancelled.Status != StatusCancelled {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	waitFor(t, 2*time.Second, func() bool { return q.ActiveCount() == 0 }, "slot released")

	loaded, _ := store.Get(task.ID)
	if loaded.Status != StatusCancelled || loaded.Result != "" {
		t.Errorf("late result leaked into cancelled task: %+v", loaded)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.cancelled) != 1 {
		t.Errorf("cancel notifications: %v", notifier.cancelled)
	}
}

func TestQueueCancelPending(t *testing.T) {
	q, _, _ := newTestQueue(t, func(ctx context.Context, task *Task) ExecOutcome {
		return ExecOutcome{Success: true}
	}, 1, time.Minute)
	// Queue deliberately not started: the task stays pending.

	task := NewTask("never runs", "/p", "", 5, Metadata{})
	if err := q.AddTask(task); err != nil {
		t.Fatal(err)
	}

	cancelled, err := q.Cancel(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}

	// Cancelling again reports already-terminal.
	again, err := q.Cancel(task.ID)
	if err != nil || again != nil {
		t.Errorf("second cancel = (%+v, %v)", again, err)
	}
}

func TestQueueRecoversProcessingOnStart(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: a task left in processing from a previous run.
	orphan := NewTask("orphan", "/p", "", 5, Metadata{})
	if err := store.Create(orphan); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkProcessing(orphan.ID); err != nil {
		t.Fatal(err)
	}

	q := NewQueue(store, func(ctx context.Context, task *Task) ExecOutcome {
		return ExecOutcome{Success: true, Result: "recovered run"}
	}, nil, 1, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		loaded, err := store.Get(orphan.ID)
		return err == nil && loaded.Status == StatusCompleted
	}, "recovered task completion")
}

func TestQueueSetConcurrency(t *testing.T) {
	release := make(chan struct{})
	execute := func(ctx context.Context, task *Task) ExecOutcome {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ExecOutcome{Success: true}
	}
	q, _, _ := newTestQueue(t, execute, 1, time.Minute)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()
	defer close(release)

	for i := 0; i < 3; i++ {
		if err := q.AddTask(NewTask("work", "/p", "", 5, Metadata{})); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return q.ActiveCount() == 1 }, "one slot busy")

	q.SetConcurrency(3)
	waitFor(t, 2*time.Second, func() bool { return q.ActiveCount() == 3 }, "raised cap takes effect")
}
