package apikeys

import (
	"context"
	"strings"
	"testing"

	"github.com/botmaster/botmaster/internal/task/repository"
)

func TestCreateAndAuthenticate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	plaintext, key, err := svc.Create(ctx, "agent-1", "build host")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "bmk_") {
		t.Errorf("expected bmk_ prefix, got %q", plaintext)
	}
	if key.KeyHash == plaintext {
		t.Error("plaintext stored as hash")
	}

	agentID, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if agentID != "agent-1" {
		t.Errorf("expected agent-1, got %q", agentID)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	svc := NewService(repository.NewMemoryRepository(), nil)

	if _, err := svc.Authenticate(context.Background(), "bmk_deadbeef"); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), ""); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey for empty key, got %v", err)
	}
}

func TestAuthenticateRevokedKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	plaintext, key, err := svc.Create(ctx, "agent-1", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Revoke(ctx, key.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := svc.Authenticate(ctx, plaintext); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey after revocation, got %v", err)
	}
}

func TestDistinctKeysPerCreate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	a, _, err := svc.Create(ctx, "agent-1", "first")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, _, err := svc.Create(ctx, "agent-1", "second")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a == b {
		t.Error("two keys share the same material")
	}
}
