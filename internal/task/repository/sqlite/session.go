package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/botmaster/botmaster/internal/db/dialect"
	"github.com/botmaster/botmaster/internal/task/models"
)

// CreateSession records an agent SDK session. The ID is the SDK's own
// session id, which is what resume requests carry back to the agent.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
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

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, task_id, agent_id, model, input_tokens, output_tokens, estimated_cost, duration_ms, status, created_at, expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.TaskID, session.AgentID, session.Model, session.InputTokens, session.OutputTokens, session.EstimatedCost, session.DurationMs, session.Status, session.CreatedAt, session.ExpiresAt, session.LastActivityAt)
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := r.scanSessionRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, agent_id, model, input_tokens, output_tokens, estimated_cost, duration_ms, status, created_at, completed_at, expires_at, last_activity_at
		FROM sessions WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return session, err
}

// GetSessionByTask retrieves the most recent session for a task
func (r *Repository) GetSessionByTask(ctx context.Context, taskID string) (*models.Session, error) {
	session, err := r.scanSessionRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, task_id, agent_id, model, input_tokens, output_tokens, estimated_cost, duration_ms, status, created_at, completed_at, expires_at, last_activity_at
		FROM sessions WHERE task_id = ?
		ORDER BY created_at DESC LIMIT 1
	`), taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found for task: %s", taskID)
	}
	return session, err
}

// UpdateSession updates a session's counters, status, and timestamps
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	var completedAt interface{}
	if session.CompletedAt != nil {
		completedAt = *session.CompletedAt
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET model = ?, input_tokens = ?, output_tokens = ?, estimated_cost = ?, duration_ms = ?, status = ?, completed_at = ?, expires_at = ?, last_activity_at = ?
		WHERE id = ?
	`), session.Model, session.InputTokens, session.OutputTokens, session.EstimatedCost, session.DurationMs, session.Status, completedAt, session.ExpiresAt, session.LastActivityAt, session.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	return nil
}

// TouchSessionActivity bumps a session's last activity time and pushes its
// expiry forward.
func (r *Repository) TouchSessionActivity(ctx context.Context, id string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET last_activity_at = ?, expires_at = ? WHERE id = ?
	`), time.Now().UTC(), expiresAt, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

// ExpireStaleSessions marks active sessions past their expiry as expired and
// returns the number affected.
func (r *Repository) ExpireStaleSessions(ctx context.Context) (int64, error) {
	drv := r.db.DriverName()
	query := fmt.Sprintf(`UPDATE sessions SET status = ? WHERE status = ? AND expires_at <= %s`, dialect.Now(drv))
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), models.SessionStatusExpired, models.SessionStatusActive)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) scanSessionRow(row *sql.Row) (*models.Session, error) {
	session := &models.Session{}
	var completedAt sql.NullTime
	err := row.Scan(&session.ID, &session.TaskID, &session.AgentID, &session.Model, &session.InputTokens, &session.OutputTokens, &session.EstimatedCost, &session.DurationMs, &session.Status, &session.CreatedAt, &completedAt, &session.ExpiresAt, &session.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return session, nil
}
