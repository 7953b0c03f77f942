package repository

import (
	"context"
	"testing"
	"time"

	"github.com/botmaster/botmaster/internal/task/models"
)

func TestSQLiteRepository_SessionLifecycle(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := &models.Session{
		ID:        "sdk-sess-1",
		TaskID:    "task-1",
		AgentID:   "agent-1",
		Model:     "claude-sonnet-4-5",
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if session.Status != models.SessionStatusActive {
		t.Errorf("expected status active, got %s", session.Status)
	}

	retrieved, err := repo.GetSession(ctx, "sdk-sess-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.Model != "claude-sonnet-4-5" {
		t.Errorf("expected model to round-trip, got %q", retrieved.Model)
	}

	// Counters accumulate on update
	retrieved.InputTokens = 5000
	retrieved.OutputTokens = 2000
	retrieved.EstimatedCost = 0.35
	retrieved.DurationMs = 92000
	retrieved.Status = models.SessionStatusCompleted
	done := time.Now().UTC()
	retrieved.CompletedAt = &done
	if err := repo.UpdateSession(ctx, retrieved); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	final, _ := repo.GetSession(ctx, "sdk-sess-1")
	if final.InputTokens != 5000 || final.Status != models.SessionStatusCompleted {
		t.Errorf("expected updated counters, got tokens=%d status=%s", final.InputTokens, final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestSQLiteRepository_SessionRequiresIDAndExpiry(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	err := repo.CreateSession(ctx, &models.Session{TaskID: "t1", AgentID: "a1", ExpiresAt: time.Now().Add(time.Hour)})
	if err == nil {
		t.Error("expected error for session without SDK id")
	}

	err = repo.CreateSession(ctx, &models.Session{ID: "s1", TaskID: "t1", AgentID: "a1"})
	if err == nil {
		t.Error("expected error for session without expiry")
	}
}

func TestSQLiteRepository_GetSessionByTaskReturnsLatest(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	expires := time.Now().UTC().Add(24 * time.Hour)
	_ = repo.CreateSession(ctx, &models.Session{ID: "older", TaskID: "task-1", AgentID: "a1", ExpiresAt: expires})
	time.Sleep(5 * time.Millisecond)
	_ = repo.CreateSession(ctx, &models.Session{ID: "newer", TaskID: "task-1", AgentID: "a1", ExpiresAt: expires})

	latest, err := repo.GetSessionByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get session by task: %v", err)
	}
	if latest.ID != "newer" {
		t.Errorf("expected newest session, got %s", latest.ID)
	}

	_, err = repo.GetSessionByTask(ctx, "task-without-session")
	if err == nil {
		t.Error("expected error for task without sessions")
	}
}

func TestSQLiteRepository_ExpireStaleSessions(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	_ = repo.CreateSession(ctx, &models.Session{ID: "stale", TaskID: "t1", AgentID: "a1", ExpiresAt: time.Now().UTC().Add(-time.Hour)})
	_ = repo.CreateSession(ctx, &models.Session{ID: "live", TaskID: "t2", AgentID: "a1", ExpiresAt: time.Now().UTC().Add(time.Hour)})
	// Completed sessions are left alone even when past expiry
	done := &models.Session{ID: "done", TaskID: "t3", AgentID: "a1", ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	_ = repo.CreateSession(ctx, done)
	done.Status = models.SessionStatusCompleted
	_ = repo.UpdateSession(ctx, done)

	expired, err := repo.ExpireStaleSessions(ctx)
	if err != nil {
		t.Fatalf("failed to expire sessions: %v", err)
	}
	if expired != 1 {
		t.Errorf("expected 1 expired session, got %d", expired)
	}

	stale, _ := repo.GetSession(ctx, "stale")
	if stale.Status != models.SessionStatusExpired {
		t.Errorf("expected stale session expired, got %s", stale.Status)
	}
	live, _ := repo.GetSession(ctx, "live")
	if live.Status != models.SessionStatusActive {
		t.Errorf("expected live session untouched, got %s", live.Status)
	}
}

func TestSQLiteRepository_TouchSessionActivity(t *testing.T) {
	repo, cleanup := createTestSQLiteRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := &models.Session{ID: "s1", TaskID: "t1", AgentID: "a1", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	_ = repo.CreateSession(ctx, session)

	newExpiry := time.Now().UTC().Add(48 * time.Hour)
	if err := repo.TouchSessionActivity(ctx, "s1", newExpiry); err != nil {
		t.Fatalf("failed to touch session: %v", err)
	}

	touched, _ := repo.GetSession(ctx, "s1")
	if !touched.ExpiresAt.After(session.ExpiresAt) {
		t.Errorf("expected expiry pushed forward, got %v", touched.ExpiresAt)
	}
}
