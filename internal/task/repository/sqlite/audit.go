package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/botmaster/botmaster/internal/db/dialect"
	"github.com/botmaster/botmaster/internal/task/models"
)

// AppendAuditLog inserts an audit entry. Entries are never mutated after
// insert.
func (r *Repository) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	entry.CreatedAt = time.Now().UTC()

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO audit_log (action, resource_type, resource_id, user_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Action, entry.ResourceType, entry.ResourceID, entry.UserID, string(metadata), entry.CreatedAt)
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

// ListAuditLog returns the most recent audit entries
func (r *Repository) ListAuditLog(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, action, resource_type, resource_id, user_id, metadata, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanAuditEntries(rows)
}

// ListAuditLogByResource returns the most recent audit entries for a resource
func (r *Repository) ListAuditLogByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*models.AuditLogEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, action, resource_type, resource_id, user_id, metadata, created_at
		FROM audit_log
		WHERE resource_type = ? AND resource_id = ?
		ORDER BY id DESC LIMIT ?
	`), resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanAuditEntries(rows)
}

// SearchAuditLog returns recent audit entries whose action, resource, or user
// matches the query.
func (r *Repository) SearchAuditLog(ctx context.Context, query string, limit int) ([]*models.AuditLogEntry, error) {
	searchPattern := "%" + query + "%"
	like := dialect.Like(r.ro.DriverName())

	selectQuery := fmt.Sprintf(`
		SELECT id, action, resource_type, resource_id, user_id, metadata, created_at
		FROM audit_log
		WHERE action %s ? OR resource_type %s ? OR resource_id %s ? OR user_id %s ?
		ORDER BY id DESC LIMIT ?
	`, like, like, like, like)
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(selectQuery), searchPattern, searchPattern, searchPattern, searchPattern, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return r.scanAuditEntries(rows)
}

func (r *Repository) scanAuditEntries(rows *sql.Rows) ([]*models.AuditLogEntry, error) {
	var result []*models.AuditLogEntry
	for rows.Next() {
		entry := &models.AuditLogEntry{}
		var metadata string
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.ResourceType, &entry.ResourceID, &entry.UserID, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &entry.Metadata)
		result = append(result, entry)
	}
	return result, rows.Err()
}
