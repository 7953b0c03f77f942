package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

type mockPoster struct {
	mu      sync.Mutex
	posts   []string
	updates []string
	nextTS  int
}

func (m *mockPoster) PostMessage(_ context.Context, _, _, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, text)
	m.nextTS++
	return fmt.Sprintf("ts-%d", m.nextTS), nil
}

func (m *mockPoster) UpdateMessage(_ context.Context, _, messageTS, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, messageTS+"|"+text)
	return nil
}

func newTestManager(poster ChatPoster, maxTrackers int) *Manager {
	return NewManager(poster, config.DispatchConfig{
		MaxProgressTrackers:  maxTrackers,
		ProgressTTLMinutes:   60,
		ProgressSweepMinutes: 5,
	}, logger.Default())
}

func TestFirstStepPostsMessage(t *testing.T) {
	poster := &mockPoster{}
	m := newTestManager(poster, 1000)

	m.AddStep(context.Background(), "t1", "C1", "th1", "Reading `main.go`")

	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.posts))
	}
	if got := poster.posts[0]; got != "⏳ Reading `main.go`" {
		t.Fatalf("post = %q", got)
	}
}

func TestLaterStepsUpdateSameMessage(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	m := newTestManager(poster, 1000)

	m.AddStep(ctx, "t1", "C1", "", "Reading `main.go`")
	m.AddStep(ctx, "t1", "C1", "", "Running: `go vet`")
	m.AddStep(ctx, "t1", "C1", "", "Editing `main.go`")

	if len(poster.posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(poster.posts))
	}
	if len(poster.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(poster.updates))
	}

	want := "ts-1|✅ Reading `main.go`\n✅ Running: `go vet`\n⏳ Editing `main.go`"
	if got := poster.updates[1]; got != want {
		t.Fatalf("update = %q, want %q", got, want)
	}
}

func TestRingKeepsMostRecentSteps(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	m := newTestManager(poster, 1000)

	for i := 1; i <= 10; i++ {
		m.AddStep(ctx, "t1", "C1", "", fmt.Sprintf("step %d", i))
	}

	last := poster.updates[len(poster.updates)-1]
	text := strings.SplitN(last, "|", 2)[1]
	lines := strings.Split(text, "\n")
	if len(lines) != maxSteps {
		t.Fatalf("rendered %d lines, want %d", len(lines), maxSteps)
	}
	if lines[0] != "✅ step 3" {
		t.Fatalf("first line = %q, want oldest retained step", lines[0])
	}
	if lines[len(lines)-1] != "⏳ step 10" {
		t.Fatalf("last line = %q", lines[len(lines)-1])
	}
}

func TestRemoveDropsTracker(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	m := newTestManager(poster, 1000)

	m.AddStep(ctx, "t1", "C1", "", "Reading `a.go`")
	m.Remove("t1")

	if m.ActiveTrackers() != 0 {
		t.Fatalf("ActiveTrackers = %d, want 0", m.ActiveTrackers())
	}

	// A fresh step after removal starts a new progress message.
	m.AddStep(ctx, "t1", "C1", "", "Reading `b.go`")
	if len(poster.posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(poster.posts))
	}
}

func TestTrackerCapEvictsColdest(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	m := newTestManager(poster, 2)

	m.AddStep(ctx, "t1", "C1", "", "one")
	m.AddStep(ctx, "t2", "C1", "", "two")
	m.AddStep(ctx, "t3", "C1", "", "three")

	if m.ActiveTrackers() != 2 {
		t.Fatalf("ActiveTrackers = %d, want 2", m.ActiveTrackers())
	}
}
