package models

import (
	"reflect"
	"testing"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{TaskStatusPending, TaskStatusQueued, true},
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusQueued, TaskStatusRunning, true},
		{TaskStatusQueued, TaskStatusFailed, true},
		{TaskStatusQueued, TaskStatusCancelled, true},
		{TaskStatusQueued, TaskStatusPending, false},
		{TaskStatusQueued, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusQueued, false},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusRunning, false},
		{TaskStatusCancelled, TaskStatusRunning, false},
		{TaskStatusCancelled, TaskStatusCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected allowed=%v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestIsSubtask(t *testing.T) {
	task := &Task{ID: "t1"}
	if task.IsSubtask() {
		t.Error("task without parent should not be a subtask")
	}
	empty := ""
	task.ParentTaskID = &empty
	if task.IsSubtask() {
		t.Error("task with empty parent id should not be a subtask")
	}
	parent := "t0"
	task.ParentTaskID = &parent
	if !task.IsSubtask() {
		t.Error("task with parent id should be a subtask")
	}
}

func TestUnionOrdered(t *testing.T) {
	tests := []struct {
		name string
		base []string
		add  []string
		want []string
	}{
		{
			name: "disjoint",
			base: []string{"a.go", "b.go"},
			add:  []string{"c.go"},
			want: []string{"a.go", "b.go", "c.go"},
		},
		{
			name: "duplicates skipped",
			base: []string{"a.go", "b.go"},
			add:  []string{"b.go", "a.go", "d.go"},
			want: []string{"a.go", "b.go", "d.go"},
		},
		{
			name: "empty base",
			base: nil,
			add:  []string{"x.go", "x.go"},
			want: []string{"x.go"},
		},
		{
			name: "empty add",
			base: []string{"a.go"},
			add:  nil,
			want: []string{"a.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnionOrdered(tt.base, tt.add)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnionOrdered(%v, %v) = %v, want %v", tt.base, tt.add, got, tt.want)
			}
		})
	}
}

func TestAPIKeyIsRevoked(t *testing.T) {
	key := &APIKey{ID: "k1"}
	if key.IsRevoked() {
		t.Error("key without revoked_at should not be revoked")
	}
}
