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

// CreateSchedule creates a recurring task definition
func (r *Repository) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO schedules (id, project_id, bot_name, command, prompt, cron_expr, enabled, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), schedule.ID, schedule.ProjectID, schedule.BotName, schedule.Command, schedule.Prompt, schedule.CronExpr, dialect.BoolToInt(schedule.Enabled), schedule.CreatedBy, schedule.CreatedAt, schedule.UpdatedAt)
	return err
}

// GetSchedule retrieves a schedule by ID
func (r *Repository) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	schedule, err := r.scanScheduleRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, cron_expr, enabled, created_by, last_run_at, created_at, updated_at
		FROM schedules WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	return schedule, err
}

// ListSchedules returns all schedules for a project
func (r *Repository) ListSchedules(ctx context.Context, projectID string) ([]*models.Schedule, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, cron_expr, enabled, created_by, last_run_at, created_at, updated_at
		FROM schedules WHERE project_id = ? ORDER BY created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanSchedules(rows)
}

// ListEnabledSchedules returns all enabled schedules across projects
func (r *Repository) ListEnabledSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, project_id, bot_name, command, prompt, cron_expr, enabled, created_by, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanSchedules(rows)
}

// UpdateSchedule updates an existing schedule
func (r *Repository) UpdateSchedule(ctx context.Context, schedule *models.Schedule) error {
	schedule.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE schedules SET bot_name = ?, command = ?, prompt = ?, cron_expr = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`), schedule.BotName, schedule.Command, schedule.Prompt, schedule.CronExpr, dialect.BoolToInt(schedule.Enabled), schedule.UpdatedAt, schedule.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", schedule.ID)
	}
	return nil
}

// DeleteSchedule deletes a schedule by ID
func (r *Repository) DeleteSchedule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// MarkScheduleRun records the time a schedule last fired
func (r *Repository) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE schedules SET last_run_at = ?, updated_at = ? WHERE id = ?
	`), at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

func (r *Repository) scanScheduleRow(row *sql.Row) (*models.Schedule, error) {
	schedule := &models.Schedule{}
	var lastRunAt sql.NullTime
	err := row.Scan(&schedule.ID, &schedule.ProjectID, &schedule.BotName, &schedule.Command, &schedule.Prompt, &schedule.CronExpr, &schedule.Enabled, &schedule.CreatedBy, &lastRunAt, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		schedule.LastRunAt = &lastRunAt.Time
	}
	return schedule, nil
}

func (r *Repository) scanSchedules(rows *sql.Rows) ([]*models.Schedule, error) {
	var result []*models.Schedule
	for rows.Next() {
		schedule := &models.Schedule{}
		var lastRunAt sql.NullTime
		if err := rows.Scan(&schedule.ID, &schedule.ProjectID, &schedule.BotName, &schedule.Command, &schedule.Prompt, &schedule.CronExpr, &schedule.Enabled, &schedule.CreatedBy, &lastRunAt, &schedule.CreatedAt, &schedule.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			schedule.LastRunAt = &lastRunAt.Time
		}
		result = append(result, schedule)
	}
	return result, rows.Err()
}
