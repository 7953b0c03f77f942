// Package progress maintains a per-task rolling list of tool-use steps and
// mirrors it into a single chat message per task.
package progress

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/expiry"
	"github.com/botmaster/botmaster/internal/common/logger"
)

// maxSteps is the depth of the rolling step ring per task.
const maxSteps = 8

// ChatPoster is the subset of the notifier used to mirror progress.
type ChatPoster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (messageTS string, err error)
	UpdateMessage(ctx context.Context, channelID, messageTS, text string) error
}

type tracker struct {
	mu        sync.Mutex
	steps     []string
	messageTS string
	channelID string
	threadTS  string
}

// Manager tracks progress for active tasks. The tracker map is bounded:
// least recently updated trackers are evicted past the size cap, and a
// periodic sweep drops trackers idle past the TTL.
type Manager struct {
	trackers *expiry.Map[*tracker]
	poster   ChatPoster
	logger   *logger.Logger
	sweep    func(ctx context.Context)
}

// NewManager creates a progress manager bounded by the dispatch config.
func NewManager(poster ChatPoster, cfg config.DispatchConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		trackers: expiry.New[*tracker](cfg.MaxProgressTrackers, cfg.ProgressTTL()),
		poster:   poster,
		logger:   log.WithFields(zap.String("component", "progress_tracker")),
	}
	interval := cfg.ProgressSweepInterval()
	m.sweep = func(ctx context.Context) {
		m.trackers.SweepEvery(ctx, interval)
	}
	return m
}

// Run sweeps idle trackers until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.sweep(ctx)
}

// AddStep appends a step description to the task's ring and posts or
// updates the task's progress message. The ring keeps the most recent
// steps; the newest is rendered as in progress, earlier ones as done.
func (m *Manager) AddStep(ctx context.Context, taskID, channelID, threadTS, description string) {
	t, ok := m.trackers.Get(taskID)
	if !ok {
		t = &tracker{channelID: channelID, threadTS: threadTS}
		m.trackers.Set(taskID, t)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps = append(t.steps, description)
	if len(t.steps) > maxSteps {
		t.steps = t.steps[len(t.steps)-maxSteps:]
	}
	text := renderSteps(t.steps)

	if t.messageTS == "" {
		ts, err := m.poster.PostMessage(ctx, t.channelID, t.threadTS, text)
		if err != nil {
			m.logger.Error("Failed to post progress message",
				zap.String("task_id", taskID),
				zap.Error(err))
			return
		}
		t.messageTS = ts
		return
	}
	if err := m.poster.UpdateMessage(ctx, t.channelID, t.messageTS, text); err != nil {
		m.logger.Error("Failed to update progress message",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// Remove drops the task's tracker. The progress message is left in place;
// the task's terminal message supersedes it.
func (m *Manager) Remove(taskID string) {
	m.trackers.Delete(taskID)
}

// ActiveTrackers returns the number of tasks with live progress state.
func (m *Manager) ActiveTrackers() int {
	return m.trackers.Len()
}

// renderSteps formats the ring: completed steps first, the newest step
// marked as in progress.
func renderSteps(steps []string) string {
	var b strings.Builder
	for i, step := range steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		if i == len(steps)-1 {
			b.WriteString("⏳ ")
		} else {
			b.WriteString("✅ ")
		}
		b.WriteString(step)
	}
	return b.String()
}
