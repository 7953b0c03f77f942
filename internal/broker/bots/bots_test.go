package bots

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmbeddedRegistryLoads(t *testing.T) {
	r, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	coder, err := r.Get("coder")
	if err != nil {
		t.Fatalf("Get(coder) failed: %v", err)
	}
	if coder.MaxTurns <= 0 {
		t.Error("coder has no turn ceiling")
	}
	if len(coder.AllowedTools) == 0 {
		t.Error("coder has no allowed tools")
	}

	if _, err := r.Get("no-such-bot"); err == nil {
		t.Error("expected error for unknown bot")
	}
}

func TestListSortedEnabled(t *testing.T) {
	r, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	list := r.List()
	if len(list) == 0 {
		t.Fatal("no bots loaded")
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Errorf("list not sorted: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
}

func TestFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.json")
	override := `{"version":"1","bots":[{"name":"solo","model":"claude-sonnet-4-5","max_turns":10,"enabled":true}]}`
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("NewRegistry with override failed: %v", err)
	}
	if _, err := r.Get("solo"); err != nil {
		t.Errorf("override bot missing: %v", err)
	}
	if _, err := r.Get("coder"); err == nil {
		t.Error("embedded bots should be replaced by the override")
	}
}

func TestShouldDecompose(t *testing.T) {
	b := &Bot{DecomposeThreshold: 10}
	if b.ShouldDecompose("short") {
		t.Error("short prompt should not decompose")
	}
	if !b.ShouldDecompose("a prompt longer than ten characters") {
		t.Error("long prompt should decompose")
	}
	zero := &Bot{DecomposeThreshold: 0}
	if zero.ShouldDecompose("any prompt at all, no matter how long it gets") {
		t.Error("threshold 0 disables decomposition")
	}
}

func TestPlanningToolSetFallback(t *testing.T) {
	b := &Bot{}
	tools := b.PlanningToolSet()
	if len(tools) == 0 {
		t.Fatal("expected read-only fallback")
	}
	for _, tool := range tools {
		if tool == "Write" || tool == "Edit" || tool == "Bash" {
			t.Errorf("planning fallback includes mutating tool %s", tool)
		}
	}
}
