// Package postgres provides the PostgreSQL implementation of the inbox
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/abeyoshida/kuanalu-sub000/internal/inbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `
	id, type, recipient_id, sender_id, resource_type, resource_id,
	provider_message_id, read, data, created_at
`

// Repository implements inbox.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL inbox repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new notification record.
func (r *Repository) Create(ctx context.Context, record *inbox.Record) error {
	query := `
		INSERT INTO notifications (
			type, recipient_id, sender_id, resource_type, resource_id,
			provider_message_id, data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query,
		record.Type,
		record.RecipientID,
		record.SenderID,
		record.ResourceType,
		record.ResourceID,
		record.ProviderMessageID,
		record.Data,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification record: %w", err)
	}
	return nil
}

// GetUnread returns unread records for a recipient, newest first.
func (r *Repository) GetUnread(ctx context.Context, recipientID string, limit int) ([]inbox.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND read = false
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("get unread records: %w", err)
	}
	defer rows.Close()

	records := make([]inbox.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get unread records: %w", err)
	}

	return records, nil
}

// MarkRead flips a record to read. Re-applying to an already-read record
// returns it unchanged.
func (r *Repository) MarkRead(ctx context.Context, id string) (*inbox.Record, error) {
	query := `
		UPDATE notifications
		SET read = true
		WHERE id = $1
		RETURNING ` + recordColumns

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inbox.ErrRecordNotFound
		}
		return nil, fmt.Errorf("mark record read: %w", err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*inbox.Record, error) {
	var record inbox.Record
	err := row.Scan(
		&record.ID,
		&record.Type,
		&record.RecipientID,
		&record.SenderID,
		&record.ResourceType,
		&record.ResourceID,
		&record.ProviderMessageID,
		&record.Read,
		&record.Data,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
