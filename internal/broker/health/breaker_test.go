package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailurePercentage: 50,
		MinimumRequests:   10,
		WindowMs:          600000,
		RecoveryTimeoutMs: 40,
		SuccessThreshold:  3,
	}
}

func newTestTracker(cfg config.BreakerConfig) *Tracker {
	return NewTracker(cfg, logger.Default(), nil)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	// Nine outcomes stay under the minimum request count even at 50%
	// failures.
	for i := 0; i < 5; i++ {
		tr.RecordFailure("agent-a")
	}
	for i := 0; i < 4; i++ {
		tr.RecordSuccess("agent-a")
	}
	assert.Equal(t, StateClosed, tr.State("agent-a"))
	assert.True(t, tr.AllowRequest("agent-a"))

	// The tenth outcome reaches 10 requests at exactly 50% failed.
	tr.RecordSuccess("agent-a")
	assert.Equal(t, StateOpen, tr.State("agent-a"))
	assert.False(t, tr.AllowRequest("agent-a"))
}

func TestBreakerStaysClosedUnderFailurePercentage(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		tr.RecordFailure("agent-a")
	}
	for i := 0; i < 8; i++ {
		tr.RecordSuccess("agent-a")
	}
	// 4 of 12 failed: one third, under the 50% threshold.
	assert.Equal(t, StateClosed, tr.State("agent-a"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}
	require.Equal(t, StateOpen, tr.State("agent-a"))
	require.False(t, tr.AllowRequest("agent-a"))

	time.Sleep(60 * time.Millisecond)

	// First request after the recovery timeout half-opens the circuit.
	require.True(t, tr.AllowRequest("agent-a"))
	require.Equal(t, StateHalfOpen, tr.State("agent-a"))

	tr.RecordSuccess("agent-a")
	tr.RecordSuccess("agent-a")
	require.Equal(t, StateHalfOpen, tr.State("agent-a"))
	tr.RecordSuccess("agent-a")
	assert.Equal(t, StateClosed, tr.State("agent-a"))

	// Recovery starts with a clean window: one more failure must not
	// re-open the circuit.
	tr.RecordFailure("agent-a")
	assert.Equal(t, StateClosed, tr.State("agent-a"))
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}
	require.Equal(t, StateOpen, tr.State("agent-a"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, tr.AllowRequest("agent-a"))

	tr.RecordSuccess("agent-a")
	tr.RecordFailure("agent-a")
	assert.Equal(t, StateOpen, tr.State("agent-a"))
	assert.False(t, tr.AllowRequest("agent-a"))
}

func TestBreakerWindowPrunesOldOutcomes(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.WindowMs = 30
	tr := newTestTracker(cfg)

	for i := 0; i < 9; i++ {
		tr.RecordFailure("agent-a")
	}
	time.Sleep(50 * time.Millisecond)

	// The earlier failures have rolled out of the window, so this
	// outcome is 1 of 1 and cannot open the circuit.
	tr.RecordFailure("agent-a")
	assert.Equal(t, StateClosed, tr.State("agent-a"))

	m := tr.Get("agent-a").Metrics()
	assert.Equal(t, 1, m.WindowTotal)
	assert.Equal(t, 1, m.WindowFailures)
}

func TestBreakerIgnoresOutcomesWhileOpen(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.RecoveryTimeoutMs = 60000
	tr := newTestTracker(cfg)

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}
	require.Equal(t, StateOpen, tr.State("agent-a"))

	// Outcomes from work queued before the circuit opened.
	tr.RecordSuccess("agent-a")
	tr.RecordFailure("agent-a")
	assert.Equal(t, StateOpen, tr.State("agent-a"))
}

func TestBreakersAreIndependentPerAgent(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}
	assert.Equal(t, StateOpen, tr.State("agent-a"))
	assert.Equal(t, StateClosed, tr.State("agent-b"))
	assert.True(t, tr.AllowRequest("agent-b"))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	changes := make(chan State, 4)
	tr := NewTracker(testBreakerConfig(), logger.Default(), func(_ string, _, to State) {
		changes <- to
	})

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}

func TestBreakerManualReset(t *testing.T) {
	tr := newTestTracker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		tr.RecordFailure("agent-a")
	}
	require.Equal(t, StateOpen, tr.State("agent-a"))

	tr.Reset("agent-a")
	assert.Equal(t, StateClosed, tr.State("agent-a"))
	assert.Equal(t, 0, tr.Get("agent-a").Metrics().WindowTotal)
}
