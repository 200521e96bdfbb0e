package mailer

import (
	"context"
	"fmt"
	"time"
)

// fakeRepo is an in-memory Repository with the same claim and transition
// semantics as the postgres implementation.
type fakeRepo struct {
	items map[string]*QueueItem
	order []string
	seq   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{items: make(map[string]*QueueItem)}
}

// get returns the stored item for direct assertions on durable state.
func (r *fakeRepo) get(id string) *QueueItem {
	return r.items[id]
}

func (r *fakeRepo) byProviderMessageID(pmid string) *QueueItem {
	if pmid == "" {
		return nil
	}
	for _, id := range r.order {
		if r.items[id].ProviderMessageID == pmid {
			return r.items[id]
		}
	}
	return nil
}

func claimable(item *QueueItem, includeRetrying bool) bool {
	switch item.Status {
	case QueueStatusPending:
		return true
	case QueueStatusRetrying:
		return includeRetrying && item.NextAttemptAt != nil && !item.NextAttemptAt.After(time.Now())
	default:
		return false
	}
}

func (r *fakeRepo) Enqueue(_ context.Context, item *QueueItem) error {
	r.seq++
	item.ID = fmt.Sprintf("item-%d", r.seq)
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	stored := *item
	r.items[item.ID] = &stored
	r.order = append(r.order, item.ID)
	return nil
}

func (r *fakeRepo) GetItem(_ context.Context, id string) (*QueueItem, error) {
	stored, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	item := *stored
	return &item, nil
}

func (r *fakeRepo) ClaimDue(_ context.Context, limit int, includeRetrying bool) ([]*QueueItem, error) {
	var claimed []*QueueItem
	for _, id := range r.order {
		if len(claimed) >= limit {
			break
		}
		stored := r.items[id]
		if !claimable(stored, includeRetrying) {
			continue
		}
		stored.Status = QueueStatusProcessing
		stored.UpdatedAt = time.Now().UTC()
		item := *stored
		claimed = append(claimed, &item)
	}
	return claimed, nil
}

func (r *fakeRepo) ClaimByID(_ context.Context, id string) (*QueueItem, error) {
	stored, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	if !claimable(stored, true) {
		return nil, ErrNotClaimable
	}
	stored.Status = QueueStatusProcessing
	stored.UpdatedAt = time.Now().UTC()
	item := *stored
	return &item, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, id, providerMessageID string, sentAt time.Time) error {
	stored, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	stored.Status = QueueStatusSent
	stored.ProviderMessageID = providerMessageID
	at := sentAt
	stored.SentAt = &at
	stored.NextAttemptAt = nil
	stored.LastError = ""
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) MarkSendFailed(_ context.Context, id, lastError string) error {
	stored, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	stored.Status = QueueStatusFailed
	stored.Attempts++
	stored.LastError = lastError
	stored.NextAttemptAt = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) MarkForRetry(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	stored, ok := r.items[id]
	if !ok {
		return ErrItemNotFound
	}
	stored.Status = QueueStatusRetrying
	stored.Attempts++
	stored.LastError = lastError
	at := nextAttemptAt
	stored.NextAttemptAt = &at
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) MarkDelivered(_ context.Context, providerMessageID string) error {
	stored := r.byProviderMessageID(providerMessageID)
	if stored == nil {
		return ErrItemNotFound
	}
	stored.Status = QueueStatusSent
	if stored.SentAt == nil {
		now := time.Now().UTC()
		stored.SentAt = &now
	}
	stored.NextAttemptAt = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) MarkDeliveryFailed(_ context.Context, providerMessageID, reason string) error {
	stored := r.byProviderMessageID(providerMessageID)
	if stored == nil {
		return ErrItemNotFound
	}
	stored.Status = QueueStatusFailed
	stored.LastError = reason
	stored.NextAttemptAt = nil
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) RecordOpen(_ context.Context, providerMessageID string, ev OpenEvent) error {
	stored := r.byProviderMessageID(providerMessageID)
	if stored == nil {
		return ErrItemNotFound
	}
	stored.Metadata.RecordOpen(ev)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) RecordClick(_ context.Context, providerMessageID string, ev ClickEvent) error {
	stored := r.byProviderMessageID(providerMessageID)
	if stored == nil {
		return ErrItemNotFound
	}
	stored.Metadata.RecordClick(ev)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeRepo) RecoverStuck(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var recovered int64
	for _, id := range r.order {
		stored := r.items[id]
		if stored.Status == QueueStatusProcessing && stored.UpdatedAt.Before(cutoff) {
			stored.Status = QueueStatusPending
			stored.UpdatedAt = time.Now().UTC()
			recovered++
		}
	}
	return recovered, nil
}

func (r *fakeRepo) GetQueueStats(_ context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	for _, id := range r.order {
		switch r.items[id].Status {
		case QueueStatusPending:
			stats.Pending++
		case QueueStatusProcessing:
			stats.Processing++
		case QueueStatusRetrying:
			stats.Retrying++
		case QueueStatusSent:
			stats.Sent++
		case QueueStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type fakeSend struct {
	id  string
	err error
}

// fakeProvider returns scripted results, then err for every call when set,
// then generated message IDs.
type fakeProvider struct {
	scripted []fakeSend
	err      error
	calls    int
	messages []Message
}

func (p *fakeProvider) Send(_ context.Context, msg *Message) (string, error) {
	p.calls++
	p.messages = append(p.messages, *msg)

	if len(p.scripted) > 0 {
		next := p.scripted[0]
		p.scripted = p.scripted[1:]
		return next.id, next.err
	}
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("msg-%d", p.calls), nil
}

func testMessage() Message {
	return Message{
		From:    "Kuanalu <notifications@kuanalu.app>",
		To:      []string{"user@example.com"},
		Subject: "You were assigned a task",
		HTML:    "<p>Task details</p>",
	}
}

func enqueuePendingItem(r *fakeRepo) *QueueItem {
	item := &QueueItem{
		Message:     testMessage(),
		Status:      QueueStatusPending,
		MaxAttempts: 3,
	}
	_ = r.Enqueue(context.Background(), item)
	return item
}
