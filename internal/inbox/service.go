package inbox

import (
	"context"
	"fmt"
)

// defaultUnreadLimit bounds unread queries when the caller does not set one.
const defaultUnreadLimit = 20

// maxUnreadLimit is the hard ceiling for a single unread query.
const maxUnreadLimit = 100

// Service implements inbox operations on top of a Repository.
type Service struct {
	repo Repository
}

// NewService creates an inbox service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create validates and inserts a new inbox record. Called by the domain
// code that enqueues the corresponding delivery.
func (s *Service) Create(ctx context.Context, record *Record) error {
	if !record.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, record.Type)
	}
	if record.RecipientID == "" {
		return ErrMissingRecipient
	}
	record.Read = false

	return s.repo.Create(ctx, record)
}

// GetUnread returns unread records for a recipient, newest first.
func (s *Service) GetUnread(ctx context.Context, recipientID string, limit int) ([]Record, error) {
	if recipientID == "" {
		return nil, ErrMissingRecipient
	}
	if limit <= 0 {
		limit = defaultUnreadLimit
	}
	if limit > maxUnreadLimit {
		limit = maxUnreadLimit
	}

	return s.repo.GetUnread(ctx, recipientID, limit)
}

// MarkRead marks a record as read. Idempotent: a second call returns the
// record unchanged.
func (s *Service) MarkRead(ctx context.Context, id string) (*Record, error) {
	return s.repo.MarkRead(ctx, id)
}
