package tasks

import (
	"errors"
	"sort"
	"time"

	"github.com/huenique/claude-code-server/internal/persistence"
)

// ErrNotFound is returned when a task ID has no record.
var ErrNotFound = errors.New("tasks: not found")

// document is the on-disk shape of tasks.json
type document struct {
	Tasks map[string]*Task `json:"tasks"`
}

func newDocument() *document {
	return &document{Tasks: make(map[string]*Task)}
}

// Store persists tasks to a locked JSON document.
type Store struct {
	doc *persistence.Document
}

// NewStore creates a task store backed by the given file path.
func NewStore(path string) (*Store, error) {
	doc, err := persistence.NewDocument(path)
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc}, nil
}

// Create persists a new task.
func (s *Store) Create(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	d := newDocument()
	return s.doc.WithLock(d, func() error {
		d.Tasks[task.ID] = task
		return nil
	})
}

// Get returns a task by ID, re-reading the document from disk.
func (s *Store) Get(id string) (*Task, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return nil, err
	}
	task, ok := d.Tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task, nil
}

// Update applies mutate to a task under the file lock.
func (s *Store) Update(id string, mutate func(*Task) error) (*Task, error) {
	var updated *Task
	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		task, ok := d.Tasks[id]
		if !ok {
			return ErrNotFound
		}
		if err := mutate(task); err != nil {
			return err
		}
		task.UpdatedAt = time.Now().UTC()
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a task record.
func (s *Store) Delete(id string) error {
	d := newDocument()
	return s.doc.WithLock(d, func() error {
		if _, ok := d.Tasks[id]; !ok {
			return ErrNotFound
		}
		delete(d.Tasks, id)
		return nil
	})
}

// sortByDispatchOrder sorts by priority descending, then created_at
// ascending (FIFO within a priority level).
func sortByDispatchOrder(list []*Task) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// List returns tasks in dispatch order, optionally filtered by status.
func (s *Store) List(status TaskStatus, limit int) ([]*Task, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return nil, err
	}

	result := make([]*Task, 0, len(d.Tasks))
	for _, task := range d.Tasks {
		if status != "" && task.Status != status {
			continue
		}
		result = append(result, task)
	}
	sortByDispatchOrder(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetNextPending returns the first pending task in dispatch order, or nil
// when the backlog is empty. Not atomic with MarkProcessing; the queue's
// scheduler loop is the single reservation point (see queue.go).
func (s *Store) GetNextPending() (*Task, error) {
	pending, err := s.List(StatusPending, 0)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return pending[0], nil
}

// MarkProcessing transitions a task from pending to processing.
func (s *Store) MarkProcessing(id string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		return t.TransitionTo(StatusProcessing)
	})
}

// MarkCompleted finalizes a task with its result and cost.
func (s *Store) MarkCompleted(id, result string, costUSD float64, durationMS int64) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		if err := t.TransitionTo(StatusCompleted); err != nil {
			return err
		}
		t.Result = result
		t.CostUSD = costUSD
		t.DurationMS = durationMS
		return nil
	})
}

// MarkFailed finalizes a task with an error message.
func (s *Store) MarkFailed(id, errMsg string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		if err := t.TransitionTo(StatusFailed); err != nil {
			return err
		}
		t.Error = errMsg
		return nil
	})
}

// Cancel transitions a pending or processing task to cancelled. Returns
// (nil, nil) when the task exists but is already terminal.
func (s *Store) Cancel(id string) (*Task, error) {
	task, err := s.Update(id, func(t *Task) error {
		return t.TransitionTo(StatusCancelled)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Illegal transition: already terminal.
		return nil, nil
	}
	return task, nil
}

// Stats summarizes the store by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// GetStats counts tasks per status.
func (s *Store) GetStats() (Stats, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, task := range d.Tasks {
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Cleanup deletes terminal tasks whose completed_at is older than the
// retention cutoff. Non-terminal tasks are never auto-deleted.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0
	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		for id, task := range d.Tasks {
			if !task.IsTerminal() {
				continue
			}
			if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
				delete(d.Tasks, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ResetProcessing moves every processing task back to pending. Used at
// queue start to recover work orphaned by a crash; started_at is kept as
// an informational trace of the interrupted attempt.
func (s *Store) ResetProcessing() ([]*Task, error) {
	var recovered []*Task
	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		for _, task := range d.Tasks {
			if task.Status == StatusProcessing {
				task.Status = StatusPending
				task.UpdatedAt = time.Now().UTC()
				recovered = append(recovered, task)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}
