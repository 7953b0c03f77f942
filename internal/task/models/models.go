// Package models defines the persisted entities shared by the broker's
// repositories and services.
package models

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	// TaskStatusPending indicates the task was created but not yet handed to an agent
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusQueued indicates the task is waiting in the offline queue for its agent
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates an agent acknowledged the task and is working on it
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the agent finished successfully
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the agent reported a non-recoverable error
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled by a user or cascade
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal tasks never
// transition again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status graph allows moving to next.
// An agent can reject a submission before it runs, so failed is reachable
// from the pre-run states as well.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	}
	return false
}

var allTaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusQueued, TaskStatusRunning,
	TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
}

// TerminalTaskStatuses returns the final statuses.
func TerminalTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
}

// TransitionSources returns the statuses the graph allows to move to next.
// Repositories use it to make status writes conditional, so a racing
// writer cannot reopen a terminal task.
func TransitionSources(next TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range allTaskStatuses {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// AgentAuto is the sentinel agent id meaning "any online agent".
const AgentAuto = "auto"

// Project binds a chat channel to a filesystem path and a preferred agent.
type Project struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ChannelID        string    `json:"channel_id"`
	AgentID          string    `json:"agent_id"` // may be the sentinel "auto"
	LocalPath        string    `json:"local_path"`
	DefaultModel     string    `json:"default_model"`
	DefaultMaxBudget float64   `json:"default_max_budget"`
	DeployPlatform   string    `json:"deploy_platform,omitempty"`
	DeployAppID      string    `json:"deploy_app_id,omitempty"`
	AutoCommitPush   bool      `json:"auto_commit_push"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UserRole represents a user's permission level
type UserRole string

const (
	// RoleAdmin can manage schedules, api keys, and other users
	RoleAdmin UserRole = "admin"
	// RoleMember can submit and cancel their own tasks
	RoleMember UserRole = "member"
)

// User maps a chat user to a role. Upserted on first contact.
type User struct {
	ID         string   `json:"id"`
	ChatUserID string   `json:"chat_user_id"`
	Name       string   `json:"name"`
	Role       UserRole `json:"role"`
	// RateLimitPerMin overrides the global per-user rate limit when non-nil.
	RateLimitPerMin *int      `json:"rate_limit_per_min,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Task is the unit of work dispatched to an agent.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	BotName      string     `json:"bot_name"`
	Command      string     `json:"command"`
	Prompt       string     `json:"prompt"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ChannelID    string     `json:"channel_id"`
	ThreadTS     string     `json:"thread_ts,omitempty"`
	UserID       string     `json:"user_id"`
	MessageTS    string     `json:"message_ts,omitempty"`
	// SessionID is the opaque resume token reported by the agent SDK. It is
	// preserved on failure so a follow-up can resume the session.
	SessionID     string     `json:"session_id,omitempty"`
	InputTokens   int64      `json:"input_tokens"`
	OutputTokens  int64      `json:"output_tokens"`
	EstimatedCost float64    `json:"estimated_cost"`
	MaxBudget     float64    `json:"max_budget"`
	FilesChanged  []string   `json:"files_changed,omitempty"`
	CommandsRun   []string   `json:"commands_run,omitempty"`
	ParentTaskID  *string    `json:"parent_task_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsSubtask reports whether the task was spawned by a decomposition parent.
func (t *Task) IsSubtask() bool {
	return t.ParentTaskID != nil && *t.ParentTaskID != ""
}

// UnionOrdered appends the elements of add to base, skipping duplicates and
// preserving first-seen order.
func UnionOrdered(base, add []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	out := base
	for _, v := range add {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// OfflineQueueEntry holds a frame destined for an agent that was not
// connected at send time.
type OfflineQueueEntry struct {
	ID          int64      `json:"id"`
	AgentID     string     `json:"agent_id"`
	MessageType string     `json:"message_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// SessionStatus represents the lifecycle state of an agent-side session
type SessionStatus string

const (
	// SessionStatusActive indicates the session can still be resumed
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates the session ended normally
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed indicates the session ended with an error
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusExpired indicates the sweeper retired an idle session
	SessionStatusExpired SessionStatus = "expired"
)

// Session records an agent SDK session, keyed by the SDK's own session id.
type Session struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	AgentID        string        `json:"agent_id"`
	Model          string        `json:"model"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	EstimatedCost  float64       `json:"estimated_cost"`
	DurationMs     int64         `json:"duration_ms"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// AuditLogEntry is an append-only record of a privileged or state-changing
// action. Never mutated after insert.
type AuditLogEntry struct {
	ID           int64                  `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	UserID       string                 `json:"user_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Schedule is a recurring task definition evaluated against a cron expression.
type Schedule struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	BotName   string     `json:"bot_name"`
	Command   string     `json:"command"`
	Prompt    string     `json:"prompt"`
	CronExpr  string     `json:"cron_expr"`
	Enabled   bool       `json:"enabled"`
	CreatedBy string     `json:"created_by"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// APIKey is an agent credential. Only the SHA-256 hash of the key material
// is stored; the plaintext is shown once at creation.
type APIKey struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	KeyHash    string     `json:"-"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}
