// Package registry tracks the fleet of connected agents and resolves which
// agent a task should be dispatched to.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/common/logger"
	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/pkg/wire"
)

// Status is an agent's presence state as seen by the broker.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Conn is the transport handle a connected agent is reachable through.
// The gateway's per-connection client implements it.
type Conn interface {
	// Enqueue hands a pre-encoded frame to the connection's outbound
	// queue. It returns false when the queue is full or the connection
	// is shutting down.
	Enqueue(data []byte) bool
	// Close tears the connection down.
	Close()
}

// Agent is a point-in-time snapshot of one registered agent.
type Agent struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ActiveTaskIDs []string  `json:"active_task_ids"`
}

type agentEntry struct {
	id            string
	conn          Conn
	status        Status
	connectedAt   time.Time
	lastHeartbeat time.Time
	activeTasks   map[string]struct{}
}

// Registry maps agent ids to their live connection and presence state.
// Agents are remembered after they disconnect so that tasks can still be
// queued for them.
type Registry struct {
	log *logger.Logger

	mu     sync.RWMutex
	agents map[string]*agentEntry
	order  []string // ids in first-registration order, for round-robin
	next   int

	onConnect    []func(agentID string)
	onDisconnect []func(agentID string)
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		log:    log.WithFields(zap.String("component", "agent_registry")),
		agents: make(map[string]*agentEntry),
	}
}

// OnConnect registers a hook fired after an agent's connection is accepted.
// Hooks run outside the registry lock, on the caller's goroutine.
func (r *Registry) OnConnect(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

// OnDisconnect registers a hook fired after an agent goes offline.
func (r *Registry) OnDisconnect(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Register binds a live connection to an agent id and marks it online.
// Only one connection per agent is live at a time: the previous connection,
// if any, is returned so the caller can close it.
func (r *Registry) Register(agentID string, conn Conn) Conn {
	now := time.Now().UTC()

	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		entry = &agentEntry{id: agentID, activeTasks: make(map[string]struct{})}
		r.agents[agentID] = entry
		r.order = append(r.order, agentID)
	}
	prev := entry.conn
	entry.conn = conn
	entry.status = StatusOnline
	entry.connectedAt = now
	entry.lastHeartbeat = now
	hooks := append([]func(string){}, r.onConnect...)
	r.mu.Unlock()

	if prev != nil {
		r.log.Warn("Replacing existing agent connection", zap.String("agent_id", agentID))
	} else {
		r.log.Info("Agent connected", zap.String("agent_id", agentID))
	}
	for _, fn := range hooks {
		fn(agentID)
	}
	return prev
}

// Deregister marks the agent offline if conn is still its current
// connection. A stale pump from an already-replaced connection is ignored,
// so a reconnect racing the old connection's teardown never flaps the agent
// offline. Returns true when the agent transitioned to offline.
func (r *Registry) Deregister(agentID string, conn Conn) bool {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok || entry.conn == nil || (conn != nil && entry.conn != conn) {
		r.mu.Unlock()
		return false
	}
	entry.conn = nil
	entry.status = StatusOffline
	hooks := append([]func(string){}, r.onDisconnect...)
	r.mu.Unlock()

	r.log.Info("Agent disconnected", zap.String("agent_id", agentID))
	for _, fn := range hooks {
		fn(agentID)
	}
	return true
}

// Heartbeat records a liveness signal from the agent.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		entry.lastHeartbeat = time.Now().UTC()
	}
}

// SetStatus applies a presence report from the agent itself (online or
// busy). Reports for agents without a live connection are dropped.
func (r *Registry) SetStatus(agentID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok || entry.conn == nil {
		return
	}
	switch status {
	case StatusOnline, StatusBusy:
		entry.status = status
	}
}

// TrackTask records that the agent is working on taskID.
func (r *Registry) TrackTask(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		entry.activeTasks[taskID] = struct{}{}
	}
}

// UntrackTask removes taskID from the agent's active set.
func (r *Registry) UntrackTask(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[agentID]; ok {
		delete(entry.activeTasks, taskID)
	}
}

// ReplaceTasks overwrites the agent's active task set from a status report.
func (r *Registry) ReplaceTasks(agentID string, taskIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return
	}
	entry.activeTasks = make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		entry.activeTasks[id] = struct{}{}
	}
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return entry.snapshot(), true
}

// List returns snapshots of all known agents in first-registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].snapshot())
	}
	return out
}

// IsOnline reports whether the agent has a live connection.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	return ok && entry.conn != nil && entry.status != StatusOffline
}

// OnlineCount returns the number of agents with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.agents {
		if entry.conn != nil && entry.status != StatusOffline {
			n++
		}
	}
	return n
}

// Resolve maps a project's preferred agent id to the agent a frame should
// be addressed to.
//
// The sentinel "auto" floats: it round-robins over online agents in
// first-registration order, falling back to round-robin over all known
// agents when none are online (the frame then waits in the offline queue).
// A concrete preferred id always wins even while offline, because that
// agent's filesystem holds the project checkout; online reports whether it
// can be sent to right now. Resolve returns ("", false) only when "auto"
// is requested and no agent has ever registered.
func (r *Registry) Resolve(preferred string) (agentID string, online bool) {
	if preferred != "" && preferred != models.AgentAuto {
		r.mu.RLock()
		entry, ok := r.agents[preferred]
		live := ok && entry.conn != nil && entry.status != StatusOffline
		r.mu.RUnlock()
		return preferred, live
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", false
	}
	// First pass wants a live connection, second pass takes anyone known.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < len(r.order); i++ {
			idx := (r.next + i) % len(r.order)
			entry := r.agents[r.order[idx]]
			live := entry.conn != nil && entry.status != StatusOffline
			if pass == 0 && !live {
				continue
			}
			r.next = idx + 1
			return entry.id, live
		}
	}
	return "", false
}

// Send encodes the frame and hands it to the agent's outbound queue.
// It returns true iff the frame was queued on a live connection; it says
// nothing about delivery.
func (r *Registry) Send(agentID string, frame *wire.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		r.log.Error("Failed to encode frame",
			zap.String("agent_id", agentID),
			zap.String("frame_type", string(frame.Type)),
			zap.Error(err))
		return false
	}

	r.mu.RLock()
	entry, ok := r.agents[agentID]
	var conn Conn
	if ok && entry.status != StatusOffline {
		conn = entry.conn
	}
	r.mu.RUnlock()

	if conn == nil {
		return false
	}
	if !conn.Enqueue(data) {
		r.log.Warn("Agent send buffer full",
			zap.String("agent_id", agentID),
			zap.String("frame_type", string(frame.Type)))
		return false
	}
	return true
}

// Shutdown closes every live connection. The connection pumps observe the
// close and deregister themselves.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.agents))
	for _, entry := range r.agents {
		if entry.conn != nil {
			conns = append(conns, entry.conn)
		}
	}
	r.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (e *agentEntry) snapshot() Agent {
	tasks := make([]string, 0, len(e.activeTasks))
	for id := range e.activeTasks {
		tasks = append(tasks, id)
	}
	sort.Strings(tasks)
	return Agent{
		ID:            e.id,
		Status:        e.status,
		ConnectedAt:   e.connectedAt,
		LastHeartbeat: e.lastHeartbeat,
		ActiveTaskIDs: tasks,
	}
}
