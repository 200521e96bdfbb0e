package mailer

import (
	"context"
	"strings"

	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/ctxlog"
)

// defaultMaxAttempts bounds the retry budget when the caller does not set one.
const defaultMaxAttempts = 3

// EnqueueInput describes one message to queue for delivery.
type EnqueueInput struct {
	Message Message

	// MaxAttempts overrides the retry budget; 0 means the default of 3.
	MaxAttempts int

	// Correlation back to the originating resource.
	UserID         string
	OrganizationID string
	ResourceType   string
	ResourceID     string

	// Immediate dispatches the item synchronously before returning, so
	// interactive flows (resend invitation) can report a definitive
	// outcome without waiting for the next scheduled drain.
	Immediate bool
}

// EnqueueResult reports the queued item and, for immediate dispatch, the
// delivery outcome.
type EnqueueResult struct {
	ID                string      `json:"id"`
	Status            QueueStatus `json:"status"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
}

// Producer accepts rendered content and writes pending queue items.
type Producer struct {
	repo        Repository
	dispatcher  *Dispatcher
	fromAddress string
}

// NewProducer creates a producer. fromAddress is used when the caller
// leaves Message.From empty.
func NewProducer(repo Repository, dispatcher *Dispatcher, fromAddress string) *Producer {
	return &Producer{
		repo:        repo,
		dispatcher:  dispatcher,
		fromAddress: fromAddress,
	}
}

// Enqueue validates the input and inserts a pending queue item. If the
// store write fails the call fails entirely; no provider call has been
// made at that point. With Immediate set, the single-item dispatch path
// runs before returning and its outcome is surfaced in the result.
func (p *Producer) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	if err := validateMessage(&in.Message); err != nil {
		return nil, err
	}

	item := &QueueItem{
		Message:        in.Message,
		Status:         QueueStatusPending,
		MaxAttempts:    in.MaxAttempts,
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		ResourceType:   in.ResourceType,
		ResourceID:     in.ResourceID,
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = defaultMaxAttempts
	}
	if item.Message.From == "" {
		item.Message.From = p.fromAddress
	}

	if err := p.repo.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	recordEnqueued()

	result := &EnqueueResult{
		ID:     item.ID,
		Status: item.Status,
	}

	if in.Immediate {
		dispatched, err := p.dispatcher.DispatchItem(ctx, item.ID)
		if err != nil {
			// The item is durably queued; a claim race or store hiccup
			// here just leaves it for the next drain.
			ctxlog.FromContext(ctx).Warn("immediate dispatch failed, item left queued",
				"item_id", item.ID,
				"error", err,
			)
			return result, nil
		}
		result.Status = dispatched.Status
		result.ProviderMessageID = dispatched.ProviderMessageID
	}

	return result, nil
}

func validateMessage(msg *Message) error {
	recipients := msg.To[:0:0]
	for _, to := range msg.To {
		if strings.TrimSpace(to) != "" {
			recipients = append(recipients, to)
		}
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	msg.To = recipients

	if strings.TrimSpace(msg.Subject) == "" {
		return ErrEmptySubject
	}
	if strings.TrimSpace(msg.HTML) == "" {
		return ErrEmptyBody
	}
	return nil
}
