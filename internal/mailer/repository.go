package mailer

import (
	"context"
	"time"
)

// Repository defines durable storage for the delivery queue.
//
// Claim methods must be atomic with respect to concurrent pollers: a row
// handed out by ClaimDue or ClaimByID is flipped to processing in the same
// statement, so two overlapping drains never dispatch the same item.
type Repository interface {
	// Enqueue inserts a new pending item and fills ID/CreatedAt/UpdatedAt.
	Enqueue(ctx context.Context, item *QueueItem) error

	// GetItem returns an item by ID, or ErrItemNotFound.
	GetItem(ctx context.Context, id string) (*QueueItem, error)

	// ClaimDue atomically selects up to limit items that are pending or,
	// when includeRetrying is set, retrying with next_attempt_at due, and
	// marks them processing. Rows locked by a concurrent claim are skipped.
	ClaimDue(ctx context.Context, limit int, includeRetrying bool) ([]*QueueItem, error)

	// ClaimByID claims a single pending or due-retrying item for the
	// immediate dispatch path. Returns ErrNotClaimable if the item exists
	// but is not dispatchable, ErrItemNotFound if it does not exist.
	ClaimByID(ctx context.Context, id string) (*QueueItem, error)

	// MarkSent records a successful provider send.
	MarkSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error

	// MarkSendFailed increments attempts and moves the item to failed.
	MarkSendFailed(ctx context.Context, id, lastError string) error

	// MarkForRetry increments attempts and schedules the next attempt.
	MarkForRetry(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error

	// MarkDelivered applies a delivery-confirmed webhook by provider
	// message ID. Idempotent: re-applying to a sent item only touches
	// updated_at. Returns ErrItemNotFound for unknown IDs.
	MarkDelivered(ctx context.Context, providerMessageID string) error

	// MarkDeliveryFailed applies a terminal bounce/complaint/delay webhook
	// by provider message ID, regardless of the remaining retry budget.
	MarkDeliveryFailed(ctx context.Context, providerMessageID, reason string) error

	// RecordOpen and RecordClick merge one engagement event into the
	// item's metadata. The merge runs under a row lock so concurrent
	// webhook deliveries for the same item cannot lose updates.
	RecordOpen(ctx context.Context, providerMessageID string, ev OpenEvent) error
	RecordClick(ctx context.Context, providerMessageID string, ev ClickEvent) error

	// RecoverStuck returns processing items older than the given age back
	// to pending, covering dispatchers that died mid-flight.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetQueueStats returns queue size counts by status.
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
