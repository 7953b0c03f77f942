package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

type postCall struct {
	channelID string
	threadTS  string
	text      string
}

type updateCall struct {
	channelID string
	messageTS string
	text      string
}

type mockPoster struct {
	mu        sync.Mutex
	posts     []postCall
	updates   []updateCall
	failPosts bool
	nextTS    int
}

func (m *mockPoster) PostMessage(_ context.Context, channelID, threadTS, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPosts {
		return "", fmt.Errorf("chat unavailable")
	}
	m.posts = append(m.posts, postCall{channelID, threadTS, text})
	m.nextTS++
	return fmt.Sprintf("ts-%d", m.nextTS), nil
}

func (m *mockPoster) UpdateMessage(_ context.Context, channelID, messageTS, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, updateCall{channelID, messageTS, text})
	return nil
}

func (m *mockPoster) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *mockPoster) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *mockPoster) lastUpdate() updateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[len(m.updates)-1]
}

func newTestAccumulator(poster ChatPoster) *Accumulator {
	return NewAccumulator(poster, config.DispatchConfig{StreamFlushMs: 1500}, logger.Default())
}

func TestFirstFlushPostsThenUpdates(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	a := newTestAccumulator(poster)

	a.AddDelta("t1", "Hello ", "C1", "th1")
	a.flushAll(ctx)

	if poster.postCount() != 1 {
		t.Fatalf("posts = %d, want 1", poster.postCount())
	}
	if got := poster.posts[0]; got.text != "Hello " || got.channelID != "C1" || got.threadTS != "th1" {
		t.Fatalf("unexpected post %+v", got)
	}

	a.AddDelta("t1", "world", "C1", "th1")
	a.flushAll(ctx)

	if poster.postCount() != 1 {
		t.Fatalf("posts after update = %d, want 1", poster.postCount())
	}
	if poster.updateCount() != 1 {
		t.Fatalf("updates = %d, want 1", poster.updateCount())
	}
	if got := poster.lastUpdate(); got.text != "Hello world" || got.messageTS != "ts-1" {
		t.Fatalf("unexpected update %+v", got)
	}

	// Clean streams flush nothing.
	a.flushAll(ctx)
	if poster.updateCount() != 1 {
		t.Fatalf("updates after clean flush = %d, want 1", poster.updateCount())
	}
}

func TestDeltasAccumulateInOrder(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	a := newTestAccumulator(poster)

	a.AddDelta("t1", "one ", "C1", "")
	a.AddDelta("t1", "two ", "C1", "")
	a.AddDelta("t1", "three", "C1", "")
	a.flushAll(ctx)

	if poster.posts[0].text != "one two three" {
		t.Fatalf("post text = %q", poster.posts[0].text)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	a := newTestAccumulator(poster)

	a.AddDelta("t1", "alpha", "C1", "")
	a.AddDelta("t2", "beta", "C2", "")
	a.flushAll(ctx)

	if poster.postCount() != 2 {
		t.Fatalf("posts = %d, want 2", poster.postCount())
	}

	a.AddDelta("t2", " gamma", "C2", "")
	a.flushAll(ctx)

	if poster.updateCount() != 1 {
		t.Fatalf("updates = %d, want 1", poster.updateCount())
	}
	if got := poster.lastUpdate().text; got != "beta gamma" {
		t.Fatalf("t2 update text = %q", got)
	}
}

func TestRemoveDropsBufferWithoutFlushing(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{}
	a := newTestAccumulator(poster)

	a.AddDelta("t1", "never shown", "C1", "")
	a.Remove("t1")
	a.flushAll(ctx)

	if poster.postCount() != 0 {
		t.Fatalf("posts = %d, want 0", poster.postCount())
	}
	if a.ActiveStreams() != 0 {
		t.Fatalf("ActiveStreams = %d, want 0", a.ActiveStreams())
	}
}

func TestFailedPostRetriesWithFullText(t *testing.T) {
	ctx := context.Background()
	poster := &mockPoster{failPosts: true}
	a := newTestAccumulator(poster)

	a.AddDelta("t1", "part one ", "C1", "")
	a.flushAll(ctx)
	if poster.postCount() != 0 {
		t.Fatalf("posts during outage = %d, want 0", poster.postCount())
	}

	a.AddDelta("t1", "part two", "C1", "")
	poster.mu.Lock()
	poster.failPosts = false
	poster.mu.Unlock()

	a.flushAll(ctx)
	if poster.postCount() != 1 {
		t.Fatalf("posts after recovery = %d, want 1", poster.postCount())
	}
	if got := poster.posts[0].text; got != "part one part two" {
		t.Fatalf("recovered post text = %q", got)
	}
}

func TestTickerFlushesDirtyStreams(t *testing.T) {
	poster := &mockPoster{}
	a := NewAccumulator(poster, config.DispatchConfig{StreamFlushMs: 20}, logger.Default())

	a.Start()
	defer a.Stop()

	a.AddDelta("t1", "ticked", "C1", "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if poster.postCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ticker never flushed the stream")
}
