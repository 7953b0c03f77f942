package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botmaster/botmaster/internal/db/dialect"
	"github.com/botmaster/botmaster/internal/task/models"
)

// CreateProject creates a new project binding a channel to a local path
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.AgentID == "" {
		project.AgentID = models.AgentAuto
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, channel_id, agent_id, local_path, default_model, default_max_budget, deploy_platform, deploy_app_id, auto_commit_push, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.ChannelID, project.AgentID, project.LocalPath, project.DefaultModel, project.DefaultMaxBudget, project.DeployPlatform, project.DeployAppID, dialect.BoolToInt(project.AutoCommitPush), project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := r.scanProjectRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, channel_id, agent_id, local_path, default_model, default_max_budget, deploy_platform, deploy_app_id, auto_commit_push, created_at, updated_at
		FROM projects WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return project, err
}

// GetProjectByChannel retrieves the project bound to a chat channel
func (r *Repository) GetProjectByChannel(ctx context.Context, channelID string) (*models.Project, error) {
	project, err := r.scanProjectRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, channel_id, agent_id, local_path, default_model, default_max_budget, deploy_platform, deploy_app_id, auto_commit_push, created_at, updated_at
		FROM projects WHERE channel_id = ?
	`), channelID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project not found for channel: %s", channelID)
	}
	return project, err
}

// UpdateProject updates an existing project
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, channel_id = ?, agent_id = ?, local_path = ?, default_model = ?, default_max_budget = ?, deploy_platform = ?, deploy_app_id = ?, auto_commit_push = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.ChannelID, project.AgentID, project.LocalPath, project.DefaultModel, project.DefaultMaxBudget, project.DeployPlatform, project.DeployAppID, dialect.BoolToInt(project.AutoCommitPush), project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project not found: %s", project.ID)
	}
	return nil
}

// ListProjects returns all projects ordered by name
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, name, channel_id, agent_id, local_path, default_model, default_max_budget, deploy_platform, deploy_app_id, auto_commit_push, created_at, updated_at
		FROM projects ORDER BY name
	`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.ChannelID, &project.AgentID, &project.LocalPath, &project.DefaultModel, &project.DefaultMaxBudget, &project.DeployPlatform, &project.DeployAppID, &project.AutoCommitPush, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

func (r *Repository) scanProjectRow(row *sql.Row) (*models.Project, error) {
	project := &models.Project{}
	err := row.Scan(&project.ID, &project.Name, &project.ChannelID, &project.AgentID, &project.LocalPath, &project.DefaultModel, &project.DefaultMaxBudget, &project.DeployPlatform, &project.DeployAppID, &project.AutoCommitPush, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return project, nil
}
