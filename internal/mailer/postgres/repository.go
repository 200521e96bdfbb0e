// Package postgres provides the PostgreSQL implementation of the mailer
// delivery queue repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abeyoshida/kuanalu-sub000/internal/mailer"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueColumns = `
	id, from_address, to_addresses, cc_addresses, bcc_addresses, reply_to,
	subject, html_body, text_body, status, attempts, max_attempts,
	next_attempt_at, last_error, sent_at, provider_message_id,
	user_id, organization_id, resource_type, resource_id, metadata,
	created_at, updated_at
`

// Repository implements mailer.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Enqueue inserts a new pending queue item.
func (r *Repository) Enqueue(ctx context.Context, item *mailer.QueueItem) error {
	query := `
		INSERT INTO email_queue (
			from_address, to_addresses, cc_addresses, bcc_addresses, reply_to,
			subject, html_body, text_body, status, max_attempts,
			user_id, organization_id, resource_type, resource_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.Message.From,
		item.Message.To,
		item.Message.CC,
		item.Message.BCC,
		item.Message.ReplyTo,
		item.Message.Subject,
		item.Message.HTML,
		item.Message.Text,
		mailer.QueueStatusPending,
		item.MaxAttempts,
		item.UserID,
		item.OrganizationID,
		item.ResourceType,
		item.ResourceID,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}

	item.Status = mailer.QueueStatusPending
	return nil
}

// GetItem retrieves a queue item by ID.
func (r *Repository) GetItem(ctx context.Context, id string) (*mailer.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM email_queue WHERE id = $1`

	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mailer.ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ClaimDue atomically flips due items to processing and returns them.
// SKIP LOCKED keeps overlapping drain passes from claiming the same rows,
// so an item is never handed to two dispatchers.
func (r *Repository) ClaimDue(ctx context.Context, limit int, includeRetrying bool) ([]*mailer.QueueItem, error) {
	query := `
		UPDATE email_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			   OR ($2 AND status = 'retrying' AND next_attempt_at <= NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, limit, includeRetrying)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	defer rows.Close()

	items := make([]*mailer.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}

	return items, nil
}

// ClaimByID claims a single dispatchable item for the immediate path.
func (r *Repository) ClaimByID(ctx context.Context, id string) (*mailer.QueueItem, error) {
	query := `
		UPDATE email_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'retrying' AND next_attempt_at <= NOW()))
		RETURNING ` + queueColumns

	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim item: %w", err)
	}

	// Distinguish a missing row from one another poller already took.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	if !exists {
		return nil, mailer.ErrItemNotFound
	}
	return nil, mailer.ErrNotClaimable
}

// MarkSent records a successful provider send.
func (r *Repository) MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', provider_message_id = $2, sent_at = $3,
		    next_attempt_at = NULL, last_error = '', updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, providerMessageID, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailer.ErrItemNotFound
	}
	return nil
}

// MarkSendFailed increments attempts and moves the item to failed.
func (r *Repository) MarkSendFailed(ctx context.Context, id, lastError string) error {
	query := `
		UPDATE email_queue
		SET status = 'failed', attempts = attempts + 1, last_error = $2,
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailer.ErrItemNotFound
	}
	return nil
}

// MarkForRetry increments attempts and schedules the next attempt.
func (r *Repository) MarkForRetry(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	query := `
		UPDATE email_queue
		SET status = 'retrying', attempts = attempts + 1, last_error = $2,
		    next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, lastError, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailer.ErrItemNotFound
	}
	return nil
}

// MarkDelivered applies a delivery confirmation by provider message ID.
// Idempotent: re-applying only touches updated_at.
func (r *Repository) MarkDelivered(ctx context.Context, providerMessageID string) error {
	query := `
		UPDATE email_queue
		SET status = 'sent', sent_at = COALESCE(sent_at, NOW()),
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE provider_message_id = $1
	`
	result, err := r.db.Exec(ctx, query, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailer.ErrItemNotFound
	}
	return nil
}

// MarkDeliveryFailed applies a terminal bounce/complaint/delay event,
// short-circuiting any remaining retry budget.
func (r *Repository) MarkDeliveryFailed(ctx context.Context, providerMessageID, reason string) error {
	query := `
		UPDATE email_queue
		SET status = 'failed', last_error = $2,
		    next_attempt_at = NULL, updated_at = NOW()
		WHERE provider_message_id = $1
	`
	result, err := r.db.Exec(ctx, query, providerMessageID, reason)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return mailer.ErrItemNotFound
	}
	return nil
}

// RecordOpen merges one open event into the item's metadata.
func (r *Repository) RecordOpen(ctx context.Context, providerMessageID string, ev mailer.OpenEvent) error {
	return r.mergeMetadata(ctx, providerMessageID, func(m *mailer.EngagementMetadata) {
		m.RecordOpen(ev)
	})
}

// RecordClick merges one click event into the item's metadata.
func (r *Repository) RecordClick(ctx context.Context, providerMessageID string, ev mailer.ClickEvent) error {
	return r.mergeMetadata(ctx, providerMessageID, func(m *mailer.EngagementMetadata) {
		m.RecordClick(ev)
	})
}

// mergeMetadata performs a read-modify-write of the metadata document
// under a row lock. Concurrent webhook deliveries for the same item
// serialize on the lock instead of losing updates.
func (r *Repository) mergeMetadata(ctx context.Context, providerMessageID string, apply func(*mailer.EngagementMetadata)) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var id string
	var metadata mailer.EngagementMetadata
	err = tx.QueryRow(ctx, `
		SELECT id, metadata FROM email_queue
		WHERE provider_message_id = $1
		FOR UPDATE
	`, providerMessageID).Scan(&id, &metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mailer.ErrItemNotFound
		}
		return fmt.Errorf("lock metadata row: %w", err)
	}

	apply(&metadata)

	if _, err := tx.Exec(ctx, `
		UPDATE email_queue SET metadata = $2, updated_at = NOW() WHERE id = $1
	`, id, metadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit metadata merge: %w", err)
	}
	return nil
}

// RecoverStuck returns stale processing items to pending.
func (r *Repository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := r.db.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stuck items: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats returns queue size counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*mailer.QueueStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &mailer.QueueStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch mailer.QueueStatus(status) {
		case mailer.QueueStatusPending:
			stats.Pending = count
		case mailer.QueueStatusProcessing:
			stats.Processing = count
		case mailer.QueueStatusRetrying:
			stats.Retrying = count
		case mailer.QueueStatusSent:
			stats.Sent = count
		case mailer.QueueStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return stats, nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for scanItem.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*mailer.QueueItem, error) {
	var item mailer.QueueItem
	var providerMessageID *string

	err := row.Scan(
		&item.ID,
		&item.Message.From,
		&item.Message.To,
		&item.Message.CC,
		&item.Message.BCC,
		&item.Message.ReplyTo,
		&item.Message.Subject,
		&item.Message.HTML,
		&item.Message.Text,
		&item.Status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NextAttemptAt,
		&item.LastError,
		&item.SentAt,
		&providerMessageID,
		&item.UserID,
		&item.OrganizationID,
		&item.ResourceType,
		&item.ResourceID,
		&item.Metadata,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if providerMessageID != nil {
		item.ProviderMessageID = *providerMessageID
	}
	return &item, nil
}
