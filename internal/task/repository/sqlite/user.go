package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botmaster/botmaster/internal/task/models"
)

// UpsertUser inserts a user on first contact or refreshes the display name on
// a repeat contact. Role and rate-limit override are never touched by the
// upsert; after it returns the struct reflects the stored row.
func (r *Repository) UpsertUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = models.RoleMember
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, chat_user_id, name, role, rate_limit_per_min, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_user_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
	`), user.ID, user.ChatUserID, user.Name, user.Role, user.RateLimitPerMin, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return err
	}

	stored, err := r.GetUserByChatID(ctx, user.ChatUserID)
	if err != nil {
		return err
	}
	*user = *stored
	return nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := r.scanUserRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, chat_user_id, name, role, rate_limit_per_min, created_at, updated_at
		FROM users WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	return user, err
}

// GetUserByChatID retrieves a user by their chat platform identifier
func (r *Repository) GetUserByChatID(ctx context.Context, chatUserID string) (*models.User, error) {
	user, err := r.scanUserRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, chat_user_id, name, role, rate_limit_per_min, created_at, updated_at
		FROM users WHERE chat_user_id = ?
	`), chatUserID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", chatUserID)
	}
	return user, err
}

// UpdateUser updates a user's name, role, and rate-limit override
func (r *Repository) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE users SET name = ?, role = ?, rate_limit_per_min = ?, updated_at = ?
		WHERE id = ?
	`), user.Name, user.Role, user.RateLimitPerMin, user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user not found: %s", user.ID)
	}
	return nil
}

// ListUsers returns all users ordered by creation time
func (r *Repository) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, chat_user_id, name, role, rate_limit_per_min, created_at, updated_at
		FROM users ORDER BY created_at
	`))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.User
	for rows.Next() {
		user := &models.User{}
		var rateLimit sql.NullInt64
		if err := rows.Scan(&user.ID, &user.ChatUserID, &user.Name, &user.Role, &rateLimit, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		if rateLimit.Valid {
			limit := int(rateLimit.Int64)
			user.RateLimitPerMin = &limit
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

func (r *Repository) scanUserRow(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var rateLimit sql.NullInt64
	err := row.Scan(&user.ID, &user.ChatUserID, &user.Name, &user.Role, &rateLimit, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rateLimit.Valid {
		limit := int(rateLimit.Int64)
		user.RateLimitPerMin = &limit
	}
	return user, nil
}
