// Package notify wraps the workspace chat API with a retry policy, call
// metrics, and a bounded queue of failed notifications kept for admin
// inspection and replay.
package notify

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

const retryJitterFactor = 0.25

// ChatAPI is the transport to the workspace chat. The slack adapter
// implements it against the real API; tests substitute a fake.
type ChatAPI interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (messageTS string, err error)
	PostBlocks(ctx context.Context, channelID, threadTS string, blocks []slack.Block, fallback string) (messageTS string, err error)
	UpdateMessage(ctx context.Context, channelID, messageTS, text string) error
	AddReaction(ctx context.Context, channelID, messageTS, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageTS, emoji string) error
	PostEphemeral(ctx context.Context, channelID, userID, text string) error
	UploadFile(ctx context.Context, channelID, threadTS, filename string, content []byte) error
}

// terminalAPIErrors are chat API error codes that no retry can fix.
var terminalAPIErrors = map[string]struct{}{
	"already_reacted":   {},
	"no_reaction":       {},
	"message_not_found": {},
	"channel_not_found": {},
	"invalid_blocks":    {},
}

// FailedNotification is a delivery that exhausted its retries, parked for
// admin inspection.
type FailedNotification struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	ChannelID string    `json:"channel_id"`
	Detail    string    `json:"detail"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failed_at"`

	retry func(ctx context.Context) error
}

// Notifier delivers chat messages with bounded retries and records every
// call in the notifier metrics.
type Notifier struct {
	api     ChatAPI
	cfg     config.NotifyConfig
	logger  *logger.Logger
	metrics *Metrics

	mu     sync.Mutex
	failed []FailedNotification
}

// New creates a notifier using the process-wide metrics registry.
func New(api ChatAPI, cfg config.NotifyConfig, log *logger.Logger) *Notifier {
	return NewWithMetrics(api, cfg, log, defaultMetrics())
}

// NewWithMetrics creates a notifier against an explicit metrics instance.
func NewWithMetrics(api ChatAPI, cfg config.NotifyConfig, log *logger.Logger, metrics *Metrics) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelayMs <= 0 {
		cfg.BaseDelayMs = 200
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = 5000
	}
	if cfg.FailedQueueSize <= 0 {
		cfg.FailedQueueSize = 100
	}
	return &Notifier{
		api:     api,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "notifier")),
		metrics: metrics,
	}
}

// PostMessage posts text to a channel or thread and returns the message id.
func (n *Notifier) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	var ts string
	err := n.withRetry(ctx, "postMessage", func(ctx context.Context) error {
		var callErr error
		ts, callErr = n.api.PostMessage(ctx, channelID, threadTS, text)
		return callErr
	})
	if n.shouldPark(err) {
		n.park("postMessage", channelID, truncateDetail(text), err, func(ctx context.Context) error {
			_, retryErr := n.PostMessage(ctx, channelID, threadTS, text)
			return retryErr
		})
	}
	return ts, err
}

// PostBlocks posts a block-kit message with a plain-text fallback.
func (n *Notifier) PostBlocks(ctx context.Context, channelID, threadTS string, blocks []slack.Block, fallback string) (string, error) {
	var ts string
	err := n.withRetry(ctx, "postBlocks", func(ctx context.Context) error {
		var callErr error
		ts, callErr = n.api.PostBlocks(ctx, channelID, threadTS, blocks, fallback)
		return callErr
	})
	if n.shouldPark(err) {
		n.park("postBlocks", channelID, truncateDetail(fallback), err, func(ctx context.Context) error {
			_, retryErr := n.PostBlocks(ctx, channelID, threadTS, blocks, fallback)
			return retryErr
		})
	}
	return ts, err
}

// UpdateMessage replaces the text of an existing message.
func (n *Notifier) UpdateMessage(ctx context.Context, channelID, messageTS, text string) error {
	err := n.withRetry(ctx, "updateMessage", func(ctx context.Context) error {
		return n.api.UpdateMessage(ctx, channelID, messageTS, text)
	})
	if n.shouldPark(err) {
		n.park("updateMessage", channelID, truncateDetail(text), err, func(ctx context.Context) error {
			return n.UpdateMessage(ctx, channelID, messageTS, text)
		})
	}
	return err
}

// AddReaction adds an emoji reaction to a message.
func (n *Notifier) AddReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	err := n.withRetry(ctx, "addReaction", func(ctx context.Context) error {
		return n.api.AddReaction(ctx, channelID, messageTS, emoji)
	})
	if n.shouldPark(err) {
		n.park("addReaction", channelID, emoji, err, func(ctx context.Context) error {
			return n.AddReaction(ctx, channelID, messageTS, emoji)
		})
	}
	return err
}

// RemoveReaction removes an emoji reaction from a message.
func (n *Notifier) RemoveReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	err := n.withRetry(ctx, "removeReaction", func(ctx context.Context) error {
		return n.api.RemoveReaction(ctx, channelID, messageTS, emoji)
	})
	if n.shouldPark(err) {
		n.park("removeReaction", channelID, emoji, err, func(ctx context.Context) error {
			return n.RemoveReaction(ctx, channelID, messageTS, emoji)
		})
	}
	return err
}

// PostEphemeral posts a message visible only to one user.
func (n *Notifier) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	err := n.withRetry(ctx, "postEphemeral", func(ctx context.Context) error {
		return n.api.PostEphemeral(ctx, channelID, userID, text)
	})
	if n.shouldPark(err) {
		n.park("postEphemeral", channelID, truncateDetail(text), err, func(ctx context.Context) error {
			return n.PostEphemeral(ctx, channelID, userID, text)
		})
	}
	return err
}

// UploadFile attaches a file to a channel or thread.
func (n *Notifier) UploadFile(ctx context.Context, channelID, threadTS, filename string, content []byte) error {
	err := n.withRetry(ctx, "uploadFile", func(ctx context.Context) error {
		return n.api.UploadFile(ctx, channelID, threadTS, filename, content)
	})
	if n.shouldPark(err) {
		n.park("uploadFile", channelID, filename, err, func(ctx context.Context) error {
			return n.UploadFile(ctx, channelID, threadTS, filename, content)
		})
	}
	return err
}

// withRetry runs one chat call with exponential backoff and jitter.
// Terminal API errors short-circuit; rate-limit hints from the API stretch
// the next delay.
func (n *Notifier) withRetry(ctx context.Context, method string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		err := call(ctx)
		elapsed := time.Since(start)
		if err == nil {
			n.metrics.observeCall(method, "ok", elapsed)
			return nil
		}
		lastErr = err
		if isTerminalAPIError(err) {
			n.metrics.observeCall(method, "terminal", elapsed)
			n.logger.Debug("Chat call failed terminally",
				zap.String("method", method),
				zap.Error(err))
			return err
		}
		n.metrics.observeCall(method, "error", elapsed)
		n.logger.Warn("Chat call failed",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == n.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		timer := time.NewTimer(n.backoff(attempt, err))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return lastErr
}

// backoff computes the delay before the next attempt (1-based).
func (n *Notifier) backoff(attempt int, err error) time.Duration {
	delay := float64(n.cfg.BaseDelay()) * math.Pow(2, float64(attempt-1))
	if max := float64(n.cfg.MaxDelay()); delay > max {
		delay = max
	}
	jitter := delay * retryJitterFactor
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < 0 {
		delay = 0
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > time.Duration(delay) {
		return rateLimited.RetryAfter
	}
	return time.Duration(delay)
}

func (n *Notifier) shouldPark(err error) bool {
	return err != nil && !isTerminalAPIError(err)
}

// park appends a failed delivery to the bounded queue, dropping the oldest
// entry past capacity.
func (n *Notifier) park(method, channelID, detail string, err error, retry func(ctx context.Context) error) {
	entry := FailedNotification{
		ID:        uuid.New().String(),
		Method:    method,
		ChannelID: channelID,
		Detail:    detail,
		Error:     err.Error(),
		FailedAt:  time.Now().UTC(),
		retry:     retry,
	}

	n.mu.Lock()
	n.failed = append(n.failed, entry)
	if len(n.failed) > n.cfg.FailedQueueSize {
		n.failed = n.failed[len(n.failed)-n.cfg.FailedQueueSize:]
	}
	size := len(n.failed)
	n.mu.Unlock()

	n.metrics.setFailedQueueSize(size)
	n.logger.Error("Notification parked after retries",
		zap.String("method", method),
		zap.String("channel_id", channelID),
		zap.String("failed_id", entry.ID),
		zap.Error(err))
}

// FailedNotifications returns the parked deliveries, oldest first.
func (n *Notifier) FailedNotifications() []FailedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FailedNotification{}, n.failed...)
}

// RetryFailed removes the parked delivery and replays it. A replay that
// exhausts its retries parks itself again as a new entry.
func (n *Notifier) RetryFailed(ctx context.Context, id string) error {
	n.mu.Lock()
	var retry func(ctx context.Context) error
	for i, entry := range n.failed {
		if entry.ID == id {
			retry = entry.retry
			n.failed = append(n.failed[:i], n.failed[i+1:]...)
			break
		}
	}
	size := len(n.failed)
	n.mu.Unlock()

	if retry == nil {
		return errors.New("failed notification not found: " + id)
	}
	n.metrics.setFailedQueueSize(size)
	return retry(ctx)
}

// ClearFailed drops all parked deliveries and returns how many there were.
func (n *Notifier) ClearFailed() int {
	n.mu.Lock()
	dropped := len(n.failed)
	n.failed = nil
	n.mu.Unlock()
	n.metrics.setFailedQueueSize(0)
	return dropped
}

// isTerminalAPIError reports whether the chat API rejected the call in a
// way no retry can fix.
func isTerminalAPIError(err error) bool {
	if err == nil {
		return false
	}
	code := err.Error()
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		code = resp.Err
	}
	_, ok := terminalAPIErrors[code]
	return ok
}

func truncateDetail(text string) string {
	const max = 140
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
