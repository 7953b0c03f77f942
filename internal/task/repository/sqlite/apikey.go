package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botmaster/botmaster/internal/task/models"
)

// CreateAPIKey stores an agent credential. Only the hash of the key material
// is persisted.
func (r *Repository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO api_keys (id, agent_id, key_hash, label, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), key.ID, key.AgentID, key.KeyHash, key.Label, key.CreatedAt)
	return err
}

// GetAPIKeyByHash retrieves a key by its hash. Revoked keys are still
// returned; the caller checks IsRevoked.
func (r *Repository) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	key := &models.APIKey{}
	var lastUsedAt, revokedAt sql.NullTime
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, key_hash, label, created_at, last_used_at, revoked_at
		FROM api_keys WHERE key_hash = ?
	`), hash).Scan(&key.ID, &key.AgentID, &key.KeyHash, &key.Label, &key.CreatedAt, &lastUsedAt, &revokedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key not found")
	}
	if err != nil {
		return nil, err
	}

	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return key, nil
}

// ListAPIKeys returns all keys ordered by creation time
func (r *Repository) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, agent_id, key_hash, label, created_at, last_used_at, revoked_at
		FROM api_keys ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.APIKey
	for rows.Next() {
		key := &models.APIKey{}
		var lastUsedAt, revokedAt sql.NullTime
		if err := rows.Scan(&key.ID, &key.AgentID, &key.KeyHash, &key.Label, &key.CreatedAt, &lastUsedAt, &revokedAt); err != nil {
			return nil, err
		}
		if lastUsedAt.Valid {
			key.LastUsedAt = &lastUsedAt.Time
		}
		if revokedAt.Valid {
			key.RevokedAt = &revokedAt.Time
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

// TouchAPIKeyUsed records the time a key last authenticated an agent
func (r *Repository) TouchAPIKeyUsed(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE api_keys SET last_used_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("api key not found: %s", id)
	}
	return nil
}

// RevokeAPIKey marks a key revoked. Revoked keys fail authentication but are
// kept for the audit trail.
func (r *Repository) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("api key not found: %s", id)
	}
	return nil
}
