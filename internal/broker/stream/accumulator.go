// Package stream coalesces task output deltas into rate-limited updates of
// a single chat message per task.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

// ChatPoster is the subset of the notifier the accumulator posts through.
type ChatPoster interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (messageTS string, err error)
	UpdateMessage(ctx context.Context, channelID, messageTS, text string) error
}

// entry holds the streaming state for one task.
type entry struct {
	text        string
	messageTS   string // empty until the first flush posts the message
	channelID   string
	threadTS    string
	dirty       bool
	lastFlushAt time.Time
}

// Accumulator buffers streamed text per task and flushes dirty buffers on a
// single ticker. The first flush for a task posts a new chat message; every
// later flush updates that same message with the full accumulated text, so
// deltas appear in chat in append order without hammering the chat API.
type Accumulator struct {
	mu       sync.Mutex
	streams  map[string]*entry
	poster   ChatPoster
	logger   *logger.Logger
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAccumulator creates an accumulator flushing at the configured stream
// interval.
func NewAccumulator(poster ChatPoster, cfg config.DispatchConfig, log *logger.Logger) *Accumulator {
	if log == nil {
		log = logger.Default()
	}
	interval := cfg.StreamFlushInterval()
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	return &Accumulator{
		streams:  make(map[string]*entry),
		poster:   poster,
		logger:   log.WithFields(zap.String("component", "stream_accumulator")),
		interval: interval,
	}
}

// Start begins the periodic flush goroutine.
func (a *Accumulator) Start() {
	a.done = make(chan struct{})
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining buffers and stops the flush goroutine.
func (a *Accumulator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flushAll(context.Background())
}

// AddDelta appends text to the task's buffer and marks it for the next
// flush tick.
func (a *Accumulator) AddDelta(taskID, text, channelID, threadTS string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.streams[taskID]
	if !ok {
		e = &entry{channelID: channelID, threadTS: threadTS}
		a.streams[taskID] = e
	}
	e.text += text
	e.dirty = true
}

// Remove drops the task's buffer without flushing. The terminal result is
// posted as its own message by the caller, so any unflushed tail is
// superseded.
func (a *Accumulator) Remove(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, taskID)
}

// ActiveStreams returns the number of tasks currently streaming.
func (a *Accumulator) ActiveStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *Accumulator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.flushAll(context.Background())
		}
	}
}

// flushAll posts or updates every dirty stream. All chat I/O happens on the
// flush goroutine, off the accumulator lock, so a slow chat call never
// blocks delta ingestion.
func (a *Accumulator) flushAll(ctx context.Context) {
	type flushItem struct {
		taskID    string
		text      string
		messageTS string
		channelID string
		threadTS  string
	}

	a.mu.Lock()
	items := make([]flushItem, 0, len(a.streams))
	for taskID, e := range a.streams {
		if !e.dirty || e.text == "" {
			continue
		}
		items = append(items, flushItem{
			taskID:    taskID,
			text:      e.text,
			messageTS: e.messageTS,
			channelID: e.channelID,
			threadTS:  e.threadTS,
		})
		e.dirty = false
	}
	a.mu.Unlock()

	for _, item := range items {
		if item.messageTS == "" {
			ts, err := a.poster.PostMessage(ctx, item.channelID, item.threadTS, item.text)
			if err != nil {
				a.logger.Error("Failed to post stream message",
					zap.String("task_id", item.taskID),
					zap.Error(err))
				a.remarkDirty(item.taskID)
				continue
			}
			a.recordMessageTS(item.taskID, ts)
			continue
		}
		if err := a.poster.UpdateMessage(ctx, item.channelID, item.messageTS, item.text); err != nil {
			a.logger.Error("Failed to update stream message",
				zap.String("task_id", item.taskID),
				zap.String("message_ts", item.messageTS),
				zap.Error(err))
			a.remarkDirty(item.taskID)
		} else {
			a.touchFlushed(item.taskID)
		}
	}
}

// recordMessageTS stores the chat message id captured by the first post.
// The stream may have been removed while the post was in flight; the posted
// text is then superseded by the terminal message and the id is discarded.
func (a *Accumulator) recordMessageTS(taskID, ts string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.streams[taskID]; ok && e.messageTS == "" {
		e.messageTS = ts
		e.lastFlushAt = time.Now()
	}
}

// remarkDirty requeues a stream whose flush failed. The buffer holds the
// full text, so the retry replays everything and no delta is lost.
func (a *Accumulator) remarkDirty(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.streams[taskID]; ok {
		e.dirty = true
	}
}

func (a *Accumulator) touchFlushed(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.streams[taskID]; ok {
		e.lastFlushAt = time.Now()
	}
}
