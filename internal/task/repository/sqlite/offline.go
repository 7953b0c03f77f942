package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/botmaster/botmaster/internal/db/dialect"
	"github.com/botmaster/botmaster/internal/task/models"
)

// EnqueueOfflineMessage stores a frame for an agent that is not connected.
// The entry's auto-generated ID is written back on success.
func (r *Repository) EnqueueOfflineMessage(ctx context.Context, entry *models.OfflineQueueEntry) error {
	entry.CreatedAt = time.Now().UTC()
	if entry.ExpiresAt.IsZero() {
		return fmt.Errorf("offline queue entry requires an expiry")
	}

	id, err := dialect.InsertReturningID(ctx, r.db, `
		INSERT INTO offline_queue (agent_id, message_type, payload, created_at, expires_at, delivered)
		VALUES (?, ?, ?, ?, ?, 0)
	`, entry.AgentID, entry.MessageType, entry.Payload, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

// ListPendingOfflineMessages returns undelivered, unexpired entries for an
// agent in enqueue order.
func (r *Repository) ListPendingOfflineMessages(ctx context.Context, agentID string) ([]*models.OfflineQueueEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, message_type, payload, created_at, expires_at, delivered, delivered_at
		FROM offline_queue
		WHERE agent_id = ? AND delivered = 0 AND expires_at > ?
		ORDER BY id
	`), agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.OfflineQueueEntry
	for rows.Next() {
		entry := &models.OfflineQueueEntry{}
		var deliveredAt sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.MessageType, &entry.Payload, &entry.CreatedAt, &entry.ExpiresAt, &entry.Delivered, &deliveredAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			entry.DeliveredAt = &deliveredAt.Time
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// CountPendingOfflineMessages returns the number of undelivered, unexpired
// entries waiting for an agent.
func (r *Repository) CountPendingOfflineMessages(ctx context.Context, agentID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM offline_queue
		WHERE agent_id = ? AND delivered = 0 AND expires_at > ?
	`), agentID, time.Now().UTC()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MarkOfflineMessageDelivered marks an entry delivered. A delivered entry is
// never redelivered.
func (r *Repository) MarkOfflineMessageDelivered(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE offline_queue SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("offline queue entry not found: %d", id)
	}
	return nil
}

// DeleteExpiredOfflineMessages removes never-delivered entries whose expiry
// has passed and returns the number removed.
func (r *Repository) DeleteExpiredOfflineMessages(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM offline_queue WHERE delivered = 0 AND expires_at <= ?
	`), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteDeliveredOfflineMessages removes delivered entries older than the
// retention window and returns the number removed.
func (r *Repository) DeleteDeliveredOfflineMessages(ctx context.Context, olderThanHours int) (int64, error) {
	drv := r.db.DriverName()
	query := fmt.Sprintf(`DELETE FROM offline_queue WHERE delivered = 1 AND delivered_at <= %s`, dialect.NowMinusHours(drv, "?"))
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), olderThanHours)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
