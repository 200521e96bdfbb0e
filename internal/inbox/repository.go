package inbox

import "context"

// Repository defines durable storage for inbox records.
type Repository interface {
	// Create inserts a record and fills ID/CreatedAt.
	Create(ctx context.Context, record *Record) error

	// GetUnread returns up to limit unread records for a recipient,
	// newest first.
	GetUnread(ctx context.Context, recipientID string, limit int) ([]Record, error)

	// MarkRead flips a record to read and returns it. Marking an
	// already-read record is a no-op, not an error.
	MarkRead(ctx context.Context, id string) (*Record, error)
}
