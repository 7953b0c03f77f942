// Package health tracks per-agent dispatch health with a rolling-window
// circuit breaker. The breaker is advisory: an open circuit steers dispatch
// choices and admin surfaces, it does not forbid queueing work for the
// agent.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/config"
	"github.com/botmaster/botmaster/internal/common/logger"
)

// State is the breaker position for one agent.
type State int

const (
	// StateClosed allows dispatch; outcomes feed the rolling window.
	StateClosed State = iota
	// StateOpen rejects dispatch until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen probes the agent with live traffic.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type record struct {
	at      time.Time
	success bool
}

// Breaker is the rolling-window circuit breaker for a single agent.
// Terminal task outcomes are appended to the window; the circuit opens when
// the window holds at least MinimumRequests outcomes and the failure
// percentage reaches FailurePercentage.
type Breaker struct {
	agentID string
	cfg     config.BreakerConfig
	logger  *logger.Logger

	mu              sync.Mutex
	state           State
	window          []record
	halfOpenSuccess int
	stateChangedAt  time.Time

	onStateChange func(agentID string, from, to State)
}

func newBreaker(agentID string, cfg config.BreakerConfig, log *logger.Logger, onStateChange func(string, State, State)) *Breaker {
	return &Breaker{
		agentID:        agentID,
		cfg:            cfg,
		logger:         log.WithAgentID(agentID),
		state:          StateClosed,
		stateChangedAt: time.Now(),
		onStateChange:  onStateChange,
	}
}

// AllowRequest reports whether a dispatch to the agent should proceed. An
// open circuit whose recovery timeout has elapsed transitions to half-open
// and allows the probe.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.stateChangedAt) >= b.cfg.RecoveryTimeout() {
			b.setState(StateHalfOpen)
			b.halfOpenSuccess = 0
			b.logger.Info("Circuit half-open, probing agent")
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful terminal outcome into the breaker.
func (b *Breaker) RecordSuccess() { b.record(true) }

// RecordFailure feeds a failed terminal outcome into the breaker.
func (b *Breaker) RecordFailure() { b.record(false) }

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.window = append(b.window, record{at: time.Now(), success: success})
		b.prune()
		total, failures := b.counts()
		if total >= b.cfg.MinimumRequests && failures*100 >= b.cfg.FailurePercentage*total {
			b.setState(StateOpen)
			b.logger.Warn("Circuit opened",
				zap.Int("window_total", total),
				zap.Int("window_failures", failures))
		}

	case StateHalfOpen:
		if !success {
			b.setState(StateOpen)
			b.halfOpenSuccess = 0
			b.logger.Warn("Circuit reopened, probe failed")
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.halfOpenSuccess = 0
			// Stale window records would reopen the circuit on the
			// next outcome, so recovery starts with a clean window.
			b.window = b.window[:0]
			b.logger.Info("Circuit closed, agent recovered")
		}

	case StateOpen:
		// Outcomes from work queued before the circuit opened; they do
		// not move the state machine.
	}
}

// prune drops window records older than the rolling window size.
func (b *Breaker) prune() {
	cutoff := time.Now().Add(-b.cfg.Window())
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) counts() (total, failures int) {
	for _, r := range b.window {
		total++
		if !r.success {
			failures++
		}
	}
	return total, failures
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
	b.window = b.window[:0]
	b.halfOpenSuccess = 0
	b.logger.Info("Circuit manually reset")
}

func (b *Breaker) setState(next State) {
	prev := b.state
	b.state = next
	b.stateChangedAt = time.Now()
	if b.onStateChange != nil && prev != next {
		go b.onStateChange(b.agentID, prev, next)
	}
}

// Metrics is a point-in-time view of one breaker for admin surfaces.
type Metrics struct {
	AgentID        string    `json:"agent_id"`
	State          string    `json:"state"`
	WindowTotal    int       `json:"window_total"`
	WindowFailures int       `json:"window_failures"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// Metrics returns the breaker's current window counts and state.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune()
	total, failures := b.counts()
	return Metrics{
		AgentID:        b.agentID,
		State:          b.state.String(),
		WindowTotal:    total,
		WindowFailures: failures,
		StateChangedAt: b.stateChangedAt,
	}
}
