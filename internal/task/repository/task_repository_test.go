package repository

import (
	"context"
	"testing"

	"github.com/botmaster/botmaster/internal/task/models"
)

// Task CRUD tests

func TestSQLiteRepository_TaskCRUD(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	// Create project for the foreign key
	project := &models.Project{Name: "api", ChannelID: "C100", LocalPath: "/srv/api"}
	if err := repo.CreateProject(ctx, project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	task := &models.Task{
		ProjectID: project.ID,
		BotName:   "coder",
		Command:   "implement",
		Prompt:    "Add pagination to the users endpoint",
		ChannelID: "C100",
		UserID:    "U1",
		MaxBudget: 2.5,
	}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if task.ID == "" {
		t.Error("expected task ID to be set")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected status pending, got %s", task.Status)
	}

	// Get
	retrieved, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Prompt != task.Prompt {
		t.Errorf("expected prompt %q, got %q", task.Prompt, retrieved.Prompt)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected completed_at to be unset for a pending task")
	}

	// Update terminal fields
	task.Status = models.TaskStatusCompleted
	task.Result = "done"
	task.SessionID = "sess-abc"
	task.InputTokens = 1200
	task.OutputTokens = 800
	task.EstimatedCost = 0.42
	task.FilesChanged = []string{"api/users.go", "api/users_test.go"}
	task.CommandsRun = []string{"go test ./..."}
	now := retrieved.CreatedAt
	task.CompletedAt = &now
	if err := repo.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	retrieved, _ = repo.GetTask(ctx, task.ID)
	if retrieved.Status != models.TaskStatusCompleted {
		t.Errorf("expected status completed, got %s", retrieved.Status)
	}
	if retrieved.SessionID != "sess-abc" {
		t.Errorf("expected session id to round-trip, got %q", retrieved.SessionID)
	}
	if len(retrieved.FilesChanged) != 2 || retrieved.FilesChanged[0] != "api/users.go" {
		t.Errorf("expected files changed to round-trip in order, got %v", retrieved.FilesChanged)
	}
	if len(retrieved.CommandsRun) != 1 {
		t.Errorf("expected one command run, got %v", retrieved.CommandsRun)
	}
	if retrieved.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestSQLiteRepository_TaskNotFound(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_, err := repo.GetTask(ctx, "nonexistent")
	if err == nil {
		t.Error("expected error for nonexistent task")
	}

	err = repo.UpdateTask(ctx, &models.Task{ID: "nonexistent", Prompt: "x"})
	if err == nil {
		t.Error("expected error for updating nonexistent task")
	}

	err = repo.UpdateTaskStatus(ctx, "nonexistent", models.TaskStatusRunning)
	if err == nil {
		t.Error("expected error for updating status of nonexistent task")
	}
}

func TestSQLiteRepository_UpdateTaskStatusStampsCompletion(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	project := &models.Project{Name: "api", ChannelID: "C100", LocalPath: "/srv/api"}
	_ = repo.CreateProject(ctx, project)
	task := &models.Task{ID: "task-123", ProjectID: project.ID, Prompt: "x"}
	_ = repo.CreateTask(ctx, task)

	if err := repo.UpdateTaskStatus(ctx, "task-123", models.TaskStatusRunning); err != nil {
		t.Fatalf("failed to update task status: %v", err)
	}
	retrieved, _ := repo.GetTask(ctx, "task-123")
	if retrieved.Status != models.TaskStatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected completed_at unset for a running task")
	}

	if err := repo.UpdateTaskStatus(ctx, "task-123", models.TaskStatusCancelled); err != nil {
		t.Fatalf("failed to cancel task: %v", err)
	}
	retrieved, _ = repo.GetTask(ctx, "task-123")
	if retrieved.CompletedAt == nil {
		t.Error("expected completed_at set for a cancelled task")
	}
}

func TestSQLiteRepository_TerminalStatusIsFinal(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	project := &models.Project{Name: "api", ChannelID: "C100", LocalPath: "/srv/api"}
	_ = repo.CreateProject(ctx, project)
	task := &models.Task{ID: "task-final", ProjectID: project.ID, Prompt: "x"}
	_ = repo.CreateTask(ctx, task)
	_ = repo.UpdateTaskStatus(ctx, "task-final", models.TaskStatusRunning)
	if err := repo.UpdateTaskStatus(ctx, "task-final", models.TaskStatusCompleted); err != nil {
		t.Fatalf("failed to complete task: %v", err)
	}

	// A cancel that lost the race against completion is a benign no-op.
	if err := repo.UpdateTaskStatus(ctx, "task-final", models.TaskStatusCancelled); err != nil {
		t.Fatalf("conflicting status write should not error: %v", err)
	}
	retrieved, _ := repo.GetTask(ctx, "task-final")
	if retrieved.Status != models.TaskStatusCompleted {
		t.Errorf("terminal status mutated: completed -> %s", retrieved.Status)
	}

	// A full-row update holding a stale copy must not reopen the task.
	stale := *retrieved
	stale.Status = models.TaskStatusRunning
	stale.Result = "late"
	if err := repo.UpdateTask(ctx, &stale); err != nil {
		t.Fatalf("stale row update should not error: %v", err)
	}
	retrieved, _ = repo.GetTask(ctx, "task-final")
	if retrieved.Status != models.TaskStatusCompleted || retrieved.Result == "late" {
		t.Errorf("terminal row rewritten: status=%s result=%q", retrieved.Status, retrieved.Result)
	}
}

func TestSQLiteRepository_ListSubtasks(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	project := &models.Project{Name: "api", ChannelID: "C100", LocalPath: "/srv/api"}
	_ = repo.CreateProject(ctx, project)

	parent := &models.Task{ID: "parent", ProjectID: project.ID, Prompt: "plan"}
	_ = repo.CreateTask(ctx, parent)

	parentID := parent.ID
	for _, id := range []string{"child-a", "child-b", "child-c"} {
		child := &models.Task{ID: id, ProjectID: project.ID, Prompt: id, ParentTaskID: &parentID}
		if err := repo.CreateTask(ctx, child); err != nil {
			t.Fatalf("failed to create subtask %s: %v", id, err)
		}
	}
	// Unrelated task is not returned
	_ = repo.CreateTask(ctx, &models.Task{ID: "other", ProjectID: project.ID, Prompt: "other"})

	children, err := repo.ListSubtasks(ctx, parent.ID)
	if err != nil {
		t.Fatalf("failed to list subtasks: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(children))
	}
	for _, child := range children {
		if child.ParentTaskID == nil || *child.ParentTaskID != parent.ID {
			t.Errorf("expected subtask parent %s, got %v", parent.ID, child.ParentTaskID)
		}
	}
}

func TestSQLiteRepository_CountTasksByStatus(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	project := &models.Project{Name: "api", ChannelID: "C100", LocalPath: "/srv/api"}
	_ = repo.CreateProject(ctx, project)

	_ = repo.CreateTask(ctx, &models.Task{ID: "t1", ProjectID: project.ID, Prompt: "a"})
	_ = repo.CreateTask(ctx, &models.Task{ID: "t2", ProjectID: project.ID, Prompt: "b"})
	_ = repo.CreateTask(ctx, &models.Task{ID: "t3", ProjectID: project.ID, Prompt: "c", Status: models.TaskStatusRunning})

	counts, err := repo.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if counts[models.TaskStatusPending] != 2 {
		t.Errorf("expected 2 pending, got %d", counts[models.TaskStatusPending])
	}
	if counts[models.TaskStatusRunning] != 1 {
		t.Errorf("expected 1 running, got %d", counts[models.TaskStatusRunning])
	}
}
