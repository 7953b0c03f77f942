package repository

import (
	"context"
	"testing"
	"time"

	"github.com/botmaster/botmaster/internal/task/models"
)

// The memory repository backs service tests; these checks pin the semantics
// shared with the SQL implementation.

func TestMemoryRepository_UserUpsertPreservesRole(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	user := &models.User{ChatUserID: "U1", Name: "Kim"}
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	user.Role = models.RoleAdmin
	if err := repo.UpdateUser(ctx, user); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	repeat := &models.User{ChatUserID: "U1", Name: "Kim L."}
	if err := repo.UpsertUser(ctx, repeat); err != nil {
		t.Fatalf("failed to upsert repeat: %v", err)
	}
	if repeat.Role != models.RoleAdmin {
		t.Errorf("expected role preserved, got %s", repeat.Role)
	}
	if repeat.Name != "Kim L." {
		t.Errorf("expected name refreshed, got %s", repeat.Name)
	}
}

func TestMemoryRepository_OfflineQueueOrderAndExpiry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	for _, p := range []string{"a", "b", "c"} {
		if err := repo.EnqueueOfflineMessage(ctx, &models.OfflineQueueEntry{AgentID: "x", MessageType: "task-submit", Payload: []byte(p), ExpiresAt: future}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	_ = repo.EnqueueOfflineMessage(ctx, &models.OfflineQueueEntry{AgentID: "x", MessageType: "task-submit", Payload: []byte("expired"), ExpiresAt: time.Now().Add(-time.Minute)})

	pending, err := repo.ListPendingOfflineMessages(ctx, "x")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(pending[i].Payload) != want {
			t.Errorf("position %d: expected %q, got %q", i, want, pending[i].Payload)
		}
	}

	if err := repo.MarkOfflineMessageDelivered(ctx, pending[0].ID); err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if err := repo.MarkOfflineMessageDelivered(ctx, pending[0].ID); err == nil {
		t.Error("expected error on double delivery")
	}

	removed, _ := repo.DeleteExpiredOfflineMessages(ctx)
	if removed != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", removed)
	}
}

func TestMemoryRepository_TaskStatusStampsCompletion(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := &models.Task{ID: "t1", ProjectID: "p1", Prompt: "x"}
	_ = repo.CreateTask(ctx, task)

	_ = repo.UpdateTaskStatus(ctx, "t1", models.TaskStatusRunning)
	running, _ := repo.GetTask(ctx, "t1")
	if running.CompletedAt != nil {
		t.Error("expected no completed_at while running")
	}

	_ = repo.UpdateTaskStatus(ctx, "t1", models.TaskStatusFailed)
	failed, _ := repo.GetTask(ctx, "t1")
	if failed.CompletedAt == nil {
		t.Error("expected completed_at on terminal status")
	}
}

func TestMemoryRepository_TerminalStatusIsFinal(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := &models.Task{ID: "t1", ProjectID: "p1", Prompt: "x"}
	_ = repo.CreateTask(ctx, task)
	_ = repo.UpdateTaskStatus(ctx, "t1", models.TaskStatusRunning)
	_ = repo.UpdateTaskStatus(ctx, "t1", models.TaskStatusCompleted)

	// A cancel that lost the race against completion is a benign no-op.
	if err := repo.UpdateTaskStatus(ctx, "t1", models.TaskStatusCancelled); err != nil {
		t.Fatalf("conflicting status write should not error: %v", err)
	}
	got, _ := repo.GetTask(ctx, "t1")
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("terminal status mutated: completed -> %s", got.Status)
	}

	// A full-row update holding a stale copy must not reopen the task.
	stale := *got
	stale.Status = models.TaskStatusRunning
	if err := repo.UpdateTask(ctx, &stale); err != nil {
		t.Fatalf("stale row update should not error: %v", err)
	}
	got, _ = repo.GetTask(ctx, "t1")
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("terminal row rewritten: %s", got.Status)
	}
}
