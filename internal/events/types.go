// Package events defines the subjects carried on the broker's internal event bus.
package events

// Task lifecycle subjects. Published by the command service and the message
// router after the corresponding repository write succeeds.
const (
	TaskSubmitted = "task.submitted"
	TaskQueued    = "task.queued"
	TaskRunning   = "task.running"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Agent presence subjects. Published by the agent registry on connection
// lifecycle changes; the sync orchestrator's two-phase restart wait and the
// admin surface consume these.
const (
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentStatusEvent  = "agent.status"
)

// Sync workflow subjects.
const (
	SyncStarted   = "sync.started"
	SyncCompleted = "sync.completed"
	SyncFailed    = "sync.failed"
)

// BuildTaskSubject appends the task id as the final subject token so
// consumers can subscribe per task or with a wildcard.
func BuildTaskSubject(base, taskID string) string {
	return base + "." + taskID
}

// BuildTaskWildcardSubject subscribes to a task lifecycle subject for all tasks.
func BuildTaskWildcardSubject(base string) string {
	return base + ".*"
}

// BuildAgentSubject appends the agent id as the final subject token.
func BuildAgentSubject(base, agentID string) string {
	return base + "." + agentID
}

// BuildAgentWildcardSubject subscribes to an agent presence subject for all agents.
func BuildAgentWildcardSubject(base string) string {
	return base + ".*"
}
