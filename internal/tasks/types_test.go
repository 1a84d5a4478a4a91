package tasks

import "testing"

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("do it", "/p", "", 0, Metadata{})
	if task.ID == "" {
		t.Error("expected generated ID")
	}
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != DefaultPriority {
		t.Errorf("priority = %d, want %d", task.Priority, DefaultPriority)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		prompt   string
		priority int
		wantErr  bool
	}{
		{"valid", "hi", 5, false},
		{"empty prompt", "", 5, true},
		{"priority too low", "hi", 0, true},
		{"priority too high", "hi", 11, true},
		{"priority bounds", "hi", 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &Task{Prompt: tc.prompt, Priority: tc.priority}
			err := task.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tc := range cases {
		task := &Task{Status: tc.from}
		err := task.TransitionTo(tc.to)
		if tc.allowed && err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
		if !tc.allowed && err == nil {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestTransitionTimestamps(t *testing.T) {
	task := NewTask("hi", "/p", "", 5, Metadata{})

	if err := task.TransitionTo(StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if task.StartedAt == nil {
		t.Error("started_at not stamped on processing")
	}
	if task.CompletedAt != nil {
		t.Error("completed_at stamped too early")
	}

	if err := task.TransitionTo(StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if task.CompletedAt == nil {
		t.Error("completed_at not stamped on completion")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !(&Task{Status: status}).IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []TaskStatus{StatusPending, StatusProcessing} {
		if (&Task{Status: status}).IsTerminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}
