package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/task/repository"
	"github.com/botmaster/botmaster/pkg/wire"
)

type sendRecorder struct {
	mu       sync.Mutex
	taskIDs  []string
	failFrom int // fail once this many frames were accepted; <0 never fails
}

func newSendRecorder(failFrom int) *sendRecorder {
	return &sendRecorder{failFrom: failFrom}
}

func (s *sendRecorder) send(_ string, frame *wire.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom >= 0 && len(s.taskIDs) >= s.failFrom {
		return false
	}
	var p wire.TaskCancel
	_ = frame.DecodePayload(&p)
	s.taskIDs = append(s.taskIDs, p.TaskID)
	return true
}

func (s *sendRecorder) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.taskIDs...)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		QueueTTLHours:        24,
		QueueRetentionDays:   7,
		DrainIntervalSeconds: 1,
	}
}

func cancelFrame(taskID string) *wire.Frame {
	return wire.MustFrame(wire.FrameTaskCancel, wire.TaskCancel{TaskID: taskID})
}

func TestDrainDeliversInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	rec := newSendRecorder(-1)
	d := NewDrainer(repo, rec.send, testDispatchConfig(), logger.Default())

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, d.Enqueue(ctx, "agent-a", cancelFrame(id)))
	}

	delivered, err := d.Drain(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"t1", "t2", "t3"}, rec.sent())

	pending, err := repo.ListPendingOfflineMessages(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainStopsAtFirstSendFailure(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	rec := newSendRecorder(1)
	d := NewDrainer(repo, rec.send, testDispatchConfig(), logger.Default())

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, d.Enqueue(ctx, "agent-a", cancelFrame(id)))
	}

	delivered, err := d.Drain(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"t1"}, rec.sent())

	// t2 and t3 are still pending, in order, for the next drain.
	pending, err := repo.ListPendingOfflineMessages(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	rec.failFrom = -1
	delivered, err = d.Drain(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"t1", "t2", "t3"}, rec.sent())
}

func TestDrainSkipsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	rec := newSendRecorder(-1)
	d := NewDrainer(repo, rec.send, testDispatchConfig(), logger.Default())

	require.NoError(t, repo.EnqueueOfflineMessage(ctx, &models.OfflineQueueEntry{
		AgentID:     "agent-a",
		MessageType: "task-cancel",
		Payload:     []byte("not a frame"),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, d.Enqueue(ctx, "agent-a", cancelFrame("t1")))

	delivered, err := d.Drain(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"t1"}, rec.sent())

	pending, err := repo.ListPendingOfflineMessages(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	rec := newSendRecorder(-1)
	d := NewDrainer(repo, rec.send, testDispatchConfig(), logger.Default())

	require.NoError(t, repo.EnqueueOfflineMessage(ctx, &models.OfflineQueueEntry{
		AgentID:     "agent-a",
		MessageType: "task-cancel",
		Payload:     []byte(`{"type":"task-cancel","payload":{"taskId":"old"}}`),
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, d.Enqueue(ctx, "agent-a", cancelFrame("fresh")))

	d.Sweep(ctx)

	count, err := repo.CountPendingOfflineMessages(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	delivered, err := d.Drain(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"fresh"}, rec.sent())
}

func TestConnectTriggerDrainsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := repository.NewMemoryRepository()
	rec := newSendRecorder(-1)
	d := NewDrainer(repo, rec.send, testDispatchConfig(), logger.Default())

	require.NoError(t, d.Enqueue(ctx, "agent-a", cancelFrame("t1")))

	go d.Run(ctx, func() []string { return nil })
	d.OnAgentConnect("agent-a")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.sent()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("trigger drain never delivered, sent=%v", rec.sent())
}
