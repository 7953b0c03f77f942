package repository

import (
	"context"
	"time"

	"github.com/botmaster/botmaster/internal/task/models"
)

// Repository defines the interface for broker storage operations
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByChannel(ctx context.Context, channelID string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// User operations
	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context) ([]*models.User, error)

	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	ListTasksByProject(ctx context.Context, projectID string, limit int) ([]*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)
	ListSubtasks(ctx context.Context, parentTaskID string) ([]*models.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]*models.Task, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error)

	// Offline queue operations
	EnqueueOfflineMessage(ctx context.Context, entry *models.OfflineQueueEntry) error
	ListPendingOfflineMessages(ctx context.Context, agentID string) ([]*models.OfflineQueueEntry, error)
	CountPendingOfflineMessages(ctx context.Context, agentID string) (int, error)
	MarkOfflineMessageDelivered(ctx context.Context, id int64) error
	DeleteExpiredOfflineMessages(ctx context.Context) (int64, error)
	DeleteDeliveredOfflineMessages(ctx context.Context, olderThanHours int) (int64, error)

	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionByTask(ctx context.Context, taskID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	TouchSessionActivity(ctx context.Context, id string, expiresAt time.Time) error
	ExpireStaleSessions(ctx context.Context) (int64, error)

	// Audit log operations
	AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]*models.AuditLogEntry, error)
	ListAuditLogByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*models.AuditLogEntry, error)
	SearchAuditLog(ctx context.Context, query string, limit int) ([]*models.AuditLogEntry, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, projectID string) ([]*models.Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]*models.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error

	// API key operations
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	TouchAPIKeyUsed(ctx context.Context, id string) error
	RevokeAPIKey(ctx context.Context, id string) error

	Close() error
}
