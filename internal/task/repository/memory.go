package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botmaster/botmaster/internal/task/models"
)

// MemoryRepository provides in-memory broker storage operations
type MemoryRepository struct {
	projects      map[string]*models.Project
	users         map[string]*models.User
	tasks         map[string]*models.Task
	offline       map[int64]*models.OfflineQueueEntry
	sessions      map[string]*models.Session
	audit         []*models.AuditLogEntry
	schedules     map[string]*models.Schedule
	apiKeys       map[string]*models.APIKey
	nextOfflineID int64
	nextAuditID   int64
	mu            sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory broker repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:  make(map[string]*models.Project),
		users:     make(map[string]*models.User),
		tasks:     make(map[string]*models.Task),
		offline:   make(map[int64]*models.OfflineQueueEntry),
		sessions:  make(map[string]*models.Session),
		schedules: make(map[string]*models.Schedule),
		apiKeys:   make(map[string]*models.APIKey),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Project operations

// CreateProject creates a new project
func (r *MemoryRepository) CreateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.AgentID == "" {
		project.AgentID = models.AgentAuto
	}
	for _, existing := range r.projects {
		if existing.ChannelID == project.ChannelID {
			return fmt.Errorf("channel already bound to project: %s", existing.ID)
		}
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	r.projects[project.ID] = project
	return nil
}

// GetProject retrieves a project by ID
func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return project, nil
}

// GetProjectByChannel retrieves the project bound to a chat channel
func (r *MemoryRepository) GetProjectByChannel(ctx context.Context, channelID string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, project := range r.projects {
		if project.ChannelID == channelID {
			return project, nil
		}
	}
	return nil, fmt.Errorf("project not found for channel: %s", channelID)
}

// UpdateProject updates an existing project
func (r *MemoryRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[project.ID]; !ok {
		return fmt.Errorf("project not found: %s", project.ID)
	}
	project.UpdatedAt = time.Now().UTC()
	r.projects[project.ID] = project
	return nil
}

// ListProjects returns all projects ordered by name
func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Project, 0, len(r.projects))
	for _, project := range r.projects {
		result = append(result, project)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// User operations

// UpsertUser inserts a user on first contact or refreshes the name after
func (r *MemoryRepository) UpsertUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.users {
		if existing.ChatUserID == user.ChatUserID {
			existing.Name = user.Name
			existing.UpdatedAt = time.Now().UTC()
			*user = *existing
			return nil
		}
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = models.RoleMember
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	stored := *user
	r.users[user.ID] = &stored
	return nil
}

// GetUser retrieves a user by ID
func (r *MemoryRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	return user, nil
}

// GetUserByChatID retrieves a user by chat platform identifier
func (r *MemoryRepository) GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if user.ChatUserID == chatUserID {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", chatUserID)
}

// UpdateUser updates a user's name, role, and rate-limit override
func (r *MemoryRepository) UpdateUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return fmt.Errorf("user not found: %s", user.ID)
	}
	user.UpdatedAt = time.Now().UTC()
	r.users[user.ID] = user
	return nil
}

// ListUsers returns all users ordered by creation time
func (r *MemoryRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.User, 0, len(r.users))
	for _, user := range r.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Task operations

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.ID] = task
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, nil
}

// UpdateTask updates an existing task. A stored terminal row is left
// untouched: a racing writer holding a stale copy must not resurrect it.
func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	if stored.Status.IsTerminal() {
		return nil
	}
	task.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = task
	return nil
}

// UpdateTaskStatus moves a task along the status graph, stamping
// completed_at when the new status is terminal. A transition the graph
// forbids is a no-op: the write lost a race against a conflicting
// transition, and terminal statuses never change.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if !task.Status.CanTransitionTo(status) {
		return nil
	}
	now := time.Now().UTC()
	task.Status = status
	task.UpdatedAt = now
	if status.IsTerminal() {
		task.CompletedAt = &now
	}
	return nil
}

// ListTasksByProject returns the most recent tasks for a project
func (r *MemoryRepository) ListTasksByProject(ctx context.Context, projectID string, limit int) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.ProjectID == projectID {
			result = append(result, task)
		}
	}
	sortTasksNewestFirst(result)
	return capTasks(result, limit), nil
}

// ListTasksByStatus returns the most recent tasks in a given status
func (r *MemoryRepository) ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.Status == status {
			result = append(result, task)
		}
	}
	sortTasksNewestFirst(result)
	return capTasks(result, limit), nil
}

// ListSubtasks returns the children of a decomposition parent in creation order
func (r *MemoryRepository) ListSubtasks(ctx context.Context, parentTaskID string) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.ParentTaskID != nil && *task.ParentTaskID == parentTaskID {
			result = append(result, task)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ListRecentTasks returns the most recently created tasks across all projects
func (r *MemoryRepository) ListRecentTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		result = append(result, task)
	}
	sortTasksNewestFirst(result)
	return capTasks(result, limit), nil
}

// CountTasksByStatus returns task counts grouped by status
func (r *MemoryRepository) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func sortTasksNewestFirst(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
}

func capTasks(tasks []*models.Task, limit int) []*models.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

// Offline queue operations

// EnqueueOfflineMessage stores a frame for an agent that is not connected
func (r *MemoryRepository) EnqueueOfflineMessage(ctx context.Context, entry *models.OfflineQueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ExpiresAt.IsZero() {
		return fmt.Errorf("offline queue entry requires an expiry")
	}
	r.nextOfflineID++
	entry.ID = r.nextOfflineID
	entry.CreatedAt = time.Now().UTC()
	r.offline[entry.ID] = entry
	return nil
}

// ListPendingOfflineMessages returns undelivered, unexpired entries in enqueue order
func (r *MemoryRepository) ListPendingOfflineMessages(ctx context.Context, agentID string) ([]*models.OfflineQueueEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	var result []*models.OfflineQueueEntry
	for _, entry := range r.offline {
		if entry.AgentID == agentID && !entry.Delivered && entry.ExpiresAt.After(now) {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CountPendingOfflineMessages returns the number of undelivered, unexpired entries
func (r *MemoryRepository) CountPendingOfflineMessages(ctx context.Context, agentID string) (int, error) {
	entries, err := r.ListPendingOfflineMessages(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// MarkOfflineMessageDelivered marks an entry delivered
func (r *MemoryRepository) MarkOfflineMessageDelivered(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.offline[id]
	if !ok || entry.Delivered {
		return fmt.Errorf("offline queue entry not found: %d", id)
	}
	now := time.Now().UTC()
	entry.Delivered = true
	entry.DeliveredAt = &now
	return nil
}

// DeleteExpiredOfflineMessages removes never-delivered entries past expiry
func (r *MemoryRepository) DeleteExpiredOfflineMessages(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var removed int64
	for id, entry := range r.offline {
		if !entry.Delivered && !entry.ExpiresAt.After(now) {
			delete(r.offline, id)
			removed++
		}
	}
	return removed, nil
}

// DeleteDeliveredOfflineMessages removes delivered entries older than the retention window
func (r *MemoryRepository) DeleteDeliveredOfflineMessages(ctx context.Context, olderThanHours int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	var removed int64
	for id, entry := range r.offline {
		if entry.Delivered && entry.DeliveredAt != nil && entry.DeliveredAt.Before(cutoff) {
			delete(r.offline, id)
			removed++
		}
	}
	return removed, nil
}

// Session operations

// CreateSession records an agent SDK session
func (r *MemoryRepository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		return fmt.Errorf("session requires the SDK session id")
	}
	if session.ExpiresAt.IsZero() {
		return fmt.Errorf("session requires an expiry")
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActivityAt = now
	r.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, nil
}

// GetSessionByTask retrieves the most recent session for a task
func (r *MemoryRepository) GetSessionByTask(ctx context.Context, taskID string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.Session
	for _, session := range r.sessions {
		if session.TaskID != taskID {
			continue
		}
		if latest == nil || session.CreatedAt.After(latest.CreatedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("session not found for task: %s", taskID)
	}
	return latest, nil
}

// UpdateSession updates a session's counters, status, and timestamps
func (r *MemoryRepository) UpdateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; !ok {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	r.sessions[session.ID] = session
	return nil
}

// TouchSessionActivity bumps a session's last activity time and expiry
func (r *MemoryRepository) TouchSessionActivity(ctx context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	session.LastActivityAt = time.Now().UTC()
	session.ExpiresAt = expiresAt
	return nil
}

// ExpireStaleSessions marks active sessions past their expiry as expired
func (r *MemoryRepository) ExpireStaleSessions(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var expired int64
	for _, session := range r.sessions {
		if session.Status == models.SessionStatusActive && !session.ExpiresAt.After(now) {
			session.Status = models.SessionStatusExpired
			expired++
		}
	}
	return expired, nil
}

// Audit log operations

// AppendAuditLog inserts an audit entry
func (r *MemoryRepository) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextAuditID++
	entry.ID = r.nextAuditID
	entry.CreatedAt = time.Now().UTC()
	stored := *entry
	r.audit = append(r.audit, &stored)
	return nil
}

// ListAuditLog returns the most recent audit entries
func (r *MemoryRepository) ListAuditLog(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lastAuditEntries(r.audit, limit), nil
}

// ListAuditLogByResource returns the most recent audit entries for a resource
func (r *MemoryRepository) ListAuditLogByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*models.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.AuditLogEntry
	for _, entry := range r.audit {
		if entry.ResourceType == resourceType && entry.ResourceID == resourceID {
			matched = append(matched, entry)
		}
	}
	return lastAuditEntries(matched, limit), nil
}

// SearchAuditLog returns recent audit entries matching the query
func (r *MemoryRepository) SearchAuditLog(ctx context.Context, query string, limit int) ([]*models.AuditLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(query)
	var matched []*models.AuditLogEntry
	for _, entry := range r.audit {
		haystack := strings.ToLower(entry.Action + " " + entry.ResourceType + " " + entry.ResourceID + " " + entry.UserID)
		if strings.Contains(haystack, needle) {
			matched = append(matched, entry)
		}
	}
	return lastAuditEntries(matched, limit), nil
}

// lastAuditEntries returns up to limit entries, newest first.
func lastAuditEntries(entries []*models.AuditLogEntry, limit int) []*models.AuditLogEntry {
	result := make([]*models.AuditLogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// Schedule operations

// CreateSchedule creates a recurring task definition
func (r *MemoryRepository) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	r.schedules[schedule.ID] = schedule
	return nil
}

// GetSchedule retrieves a schedule by ID
func (r *MemoryRepository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedule, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return schedule, nil
}

// ListSchedules returns all schedules for a project
func (r *MemoryRepository) ListSchedules(ctx context.Context, projectID string) ([]*models.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Schedule
	for _, schedule := range r.schedules {
		if schedule.ProjectID == projectID {
			result = append(result, schedule)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ListEnabledSchedules returns all enabled schedules across projects
func (r *MemoryRepository) ListEnabledSchedules(ctx context.Context) ([]*models.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Schedule
	for _, schedule := range r.schedules {
		if schedule.Enabled {
			result = append(result, schedule)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// UpdateSchedule updates an existing schedule
func (r *MemoryRepository) UpdateSchedule(ctx context.Context, schedule *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[schedule.ID]; !ok {
		return fmt.Errorf("schedule not found: %s", schedule.ID)
	}
	schedule.UpdatedAt = time.Now().UTC()
	r.schedules[schedule.ID] = schedule
	return nil
}

// DeleteSchedule deletes a schedule by ID
func (r *MemoryRepository) DeleteSchedule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	delete(r.schedules, id)
	return nil
}

// MarkScheduleRun records the time a schedule last fired
func (r *MemoryRepository) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schedule, ok := r.schedules[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	utc := at.UTC()
	schedule.LastRunAt = &utc
	schedule.UpdatedAt = time.Now().UTC()
	return nil
}

// API key operations

// CreateAPIKey stores an agent credential
func (r *MemoryRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()
	r.apiKeys[key.ID] = key
	return nil
}

// GetAPIKeyByHash retrieves a key by its hash
func (r *MemoryRepository) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.apiKeys {
		if key.KeyHash == hash {
			return key, nil
		}
	}
	return nil, fmt.Errorf("api key not found")
}

// ListAPIKeys returns all keys ordered by creation time
func (r *MemoryRepository) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.APIKey, 0, len(r.apiKeys))
	for _, key := range r.apiKeys {
		result = append(result, key)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// TouchAPIKeyUsed records the time a key last authenticated an agent
func (r *MemoryRepository) TouchAPIKeyUsed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.apiKeys[id]
	if !ok {
		return fmt.Errorf("api key not found: %s", id)
	}
	now := time.Now().UTC()
	key.LastUsedAt = &now
	return nil
}

// RevokeAPIKey marks a key revoked
func (r *MemoryRepository) RevokeAPIKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.apiKeys[id]
	if !ok || key.RevokedAt != nil {
		return fmt.Errorf("api key not found: %s", id)
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	return nil
}
