package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/internal/tracing"
)

// CreateTask creates a new task
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ProjectID, task.BotName, task.Command, task.Prompt, task.Status, task.Result, task.ErrorMessage, task.ChannelID, task.ThreadTS, task.UserID, task.MessageTS, task.SessionID, task.InputTokens, task.OutputTokens, task.EstimatedCost, task.MaxBudget, encodeStringList(task.FilesChanged), encodeStringList(task.CommandsRun), task.ParentTaskID, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback task insert: %w", rollbackErr)
		}
		return err
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var filesChanged, commandsRun string
	var parentTaskID sql.NullString
	var completedAt sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at, completed_at
		FROM tasks WHERE id = ?
	`), id).Scan(&task.ID, &task.ProjectID, &task.BotName, &task.Command, &task.Prompt, &task.Status, &task.Result, &task.ErrorMessage, &task.ChannelID, &task.ThreadTS, &task.UserID, &task.MessageTS, &task.SessionID, &task.InputTokens, &task.OutputTokens, &task.EstimatedCost, &task.MaxBudget, &filesChanged, &commandsRun, &parentTaskID, &task.CreatedAt, &task.UpdatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	if parentTaskID.Valid {
		task.ParentTaskID = &parentTaskID.String
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	task.FilesChanged = decodeStringList(filesChanged)
	task.CommandsRun = decodeStringList(commandsRun)
	return task, nil
}

// UpdateTask updates an existing task. Terminal rows are left untouched:
// once a task is completed, failed, or cancelled, a racing writer that
// fetched the row earlier must not resurrect it.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	var completedAt interface{}
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}

	query, args, err := sqlx.In(`
		UPDATE tasks SET status = ?, result = ?, error_message = ?, message_ts = ?, session_id = ?, input_tokens = ?, output_tokens = ?, estimated_cost = ?, max_budget = ?, files_changed = ?, commands_run = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?)
	`, task.Status, task.Result, task.ErrorMessage, task.MessageTS, task.SessionID, task.InputTokens, task.OutputTokens, task.EstimatedCost, task.MaxBudget, encodeStringList(task.FilesChanged), encodeStringList(task.CommandsRun), task.UpdatedAt, completedAt, task.ID, models.TerminalTaskStatuses())
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return r.statusConflict(ctx, task.ID)
	}
	return nil
}

// UpdateTaskStatus moves a task along the status graph, stamping
// completed_at when the new status is terminal. The graph is enforced in
// the WHERE clause, so a write that lost a race against a conflicting
// transition is a no-op rather than an overwrite; terminal statuses never
// change.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	now := time.Now().UTC()

	set := `status = ?, updated_at = ?`
	args := []interface{}{status, now}
	if status.IsTerminal() {
		set += `, completed_at = ?`
		args = append(args, now)
	}
	args = append(args, id, models.TransitionSources(status))

	query, inArgs, err := sqlx.In(`UPDATE tasks SET `+set+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), inArgs...)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return r.statusConflict(ctx, id)
	}
	return nil
}

// statusConflict distinguishes a missing row from a write the status graph
// rejected. The latter means a concurrent writer already moved the task
// on, which callers treat as benign.
func (r *Repository) statusConflict(ctx context.Context, id string) error {
	var current models.TaskStatus
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task not found: %s", id)
	}
	return err
}

// ListTasksByProject returns the most recent tasks for a project
func (r *Repository) ListTasksByProject(ctx context.Context, projectID string, limit int) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("botmaster-db").Start(ctx, "db.ListTasksByProject")
	defer span.End()
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at, completed_at
		FROM tasks
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), projectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanTasks(rows)
}

// ListTasksByStatus returns the most recent tasks in a given status
func (r *Repository) ListTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at, completed_at
		FROM tasks
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanTasks(rows)
}

// ListSubtasks returns the children of a decomposition parent in creation order
func (r *Repository) ListSubtasks(ctx context.Context, parentTaskID string) ([]*models.Task, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at, completed_at
		FROM tasks
		WHERE parent_task_id = ?
		ORDER BY created_at
	`), parentTaskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanTasks(rows)
}

// ListRecentTasks returns the most recently created tasks across all projects
func (r *Repository) ListRecentTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("botmaster-db").Start(ctx, "db.ListRecentTasks")
	defer span.End()
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, project_id, bot_name, command, prompt, status, result, error_message, channel_id, thread_ts, user_id, message_ts, session_id, input_tokens, output_tokens, estimated_cost, max_budget, files_changed, commands_run, parent_task_id, created_at, updated_at, completed_at
		FROM tasks
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanTasks(rows)
}

// CountTasksByStatus returns task counts grouped by status
func (r *Repository) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// scanTasks is a helper to scan task rows
func (r *Repository) scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var filesChanged, commandsRun string
		var parentTaskID sql.NullString
		var completedAt sql.NullTime
		err := rows.Scan(
			&task.ID,
			&task.ProjectID,
			&task.BotName,
			&task.Command,
			&task.Prompt,
			&task.Status,
			&task.Result,
			&task.ErrorMessage,
			&task.ChannelID,
			&task.ThreadTS,
			&task.UserID,
			&task.MessageTS,
			&task.SessionID,
			&task.InputTokens,
			&task.OutputTokens,
			&task.EstimatedCost,
			&task.MaxBudget,
			&filesChanged,
			&commandsRun,
			&parentTaskID,
			&task.CreatedAt,
			&task.UpdatedAt,
			&completedAt,
		)
		if err != nil {
			return nil, err
		}
		if parentTaskID.Valid {
			task.ParentTaskID = &parentTaskID.String
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		task.FilesChanged = decodeStringList(filesChanged)
		task.CommandsRun = decodeStringList(commandsRun)
		result = append(result, task)
	}
	return result, rows.Err()
}

func encodeStringList(list []string) string {
	data, err := json.Marshal(list)
	if err != nil || list == nil {
		return "[]"
	}
	return string(data)
}

func decodeStringList(data string) []string {
	var list []string
	_ = json.Unmarshal([]byte(data), &list)
	return list
}
