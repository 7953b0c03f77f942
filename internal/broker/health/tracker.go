package health

import (
	"sync"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

// Tracker holds one breaker per agent, created lazily on first use.
type Tracker struct {
	cfg    config.BreakerConfig
	logger *logger.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker

	onStateChange func(agentID string, from, to State)
}

// NewTracker creates a tracker. onStateChange, if non-nil, is invoked on
// its own goroutine whenever any agent's circuit moves.
func NewTracker(cfg config.BreakerConfig, log *logger.Logger, onStateChange func(agentID string, from, to State)) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "health_tracker")),
		breakers:      make(map[string]*Breaker),
		onStateChange: onStateChange,
	}
}

// Get returns the agent's breaker, creating it on first use.
func (t *Tracker) Get(agentID string) *Breaker {
	t.mu.RLock()
	if b, ok := t.breakers[agentID]; ok {
		t.mu.RUnlock()
		return b
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[agentID]; ok {
		return b
	}
	b := newBreaker(agentID, t.cfg, t.logger, t.onStateChange)
	t.breakers[agentID] = b
	return b
}

// AllowRequest reports whether dispatch to the agent should proceed.
func (t *Tracker) AllowRequest(agentID string) bool {
	return t.Get(agentID).AllowRequest()
}

// RecordSuccess feeds a successful terminal outcome for the agent.
func (t *Tracker) RecordSuccess(agentID string) {
	t.Get(agentID).RecordSuccess()
}

// RecordFailure feeds a failed terminal outcome for the agent.
func (t *Tracker) RecordFailure(agentID string) {
	t.Get(agentID).RecordFailure()
}

// State returns the agent's breaker position. Agents with no recorded
// outcomes are closed.
func (t *Tracker) State(agentID string) State {
	t.mu.RLock()
	b, ok := t.breakers[agentID]
	t.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// AllMetrics returns metrics for every tracked agent.
func (t *Tracker) AllMetrics() []Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Metrics, 0, len(t.breakers))
	for _, b := range t.breakers {
		out = append(out, b.Metrics())
	}
	return out
}

// Reset closes the agent's circuit and clears its window.
func (t *Tracker) Reset(agentID string) {
	t.mu.RLock()
	b, ok := t.breakers[agentID]
	t.mu.RUnlock()
	if ok {
		b.Reset()
	}
}
