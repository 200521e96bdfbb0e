package inbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory Repository matching the postgres semantics:
// unread queries return newest first, MarkRead is idempotent.
type fakeRepo struct {
	records   map[string]*Record
	order     []string
	seq       int
	lastLimit int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*Record)}
}

func (r *fakeRepo) Create(_ context.Context, record *Record) error {
	r.seq++
	record.ID = fmt.Sprintf("rec-%d", r.seq)
	record.CreatedAt = time.Now().UTC()
	stored := *record
	r.records[record.ID] = &stored
	r.order = append(r.order, record.ID)
	return nil
}

func (r *fakeRepo) GetUnread(_ context.Context, recipientID string, limit int) ([]Record, error) {
	r.lastLimit = limit

	var out []Record
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		stored := r.records[r.order[i]]
		if stored.RecipientID == recipientID && !stored.Read {
			out = append(out, *stored)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkRead(_ context.Context, id string) (*Record, error) {
	stored, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	stored.Read = true
	record := *stored
	return &record, nil
}

func testRecord(recipientID string) *Record {
	return &Record{
		Type:         TypeTaskAssignment,
		RecipientID:  recipientID,
		SenderID:     "user-2",
		ResourceType: "task",
		ResourceID:   "task-42",
	}
}

func TestServiceCreateValidation(t *testing.T) {
	s := NewService(newFakeRepo())

	record := testRecord("user-1")
	record.Type = "reminder"
	assert.ErrorIs(t, s.Create(context.Background(), record), ErrInvalidType)

	record = testRecord("")
	assert.ErrorIs(t, s.Create(context.Background(), record), ErrMissingRecipient)
}

func TestServiceCreateStartsUnread(t *testing.T) {
	repo := newFakeRepo()
	s := NewService(repo)

	record := testRecord("user-1")
	record.Read = true // callers cannot pre-mark records read

	require.NoError(t, s.Create(context.Background(), record))
	require.NotEmpty(t, record.ID)
	assert.False(t, repo.records[record.ID].Read)
}

func TestServiceGetUnreadLimits(t *testing.T) {
	repo := newFakeRepo()
	s := NewService(repo)

	_, err := s.GetUnread(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultUnreadLimit, repo.lastLimit)

	_, err = s.GetUnread(context.Background(), "user-1", 500)
	require.NoError(t, err)
	assert.Equal(t, maxUnreadLimit, repo.lastLimit)

	_, err = s.GetUnread(context.Background(), "user-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, repo.lastLimit)

	_, err = s.GetUnread(context.Background(), "", 5)
	assert.ErrorIs(t, err, ErrMissingRecipient)
}

func TestServiceGetUnreadExcludesRead(t *testing.T) {
	repo := newFakeRepo()
	s := NewService(repo)

	first := testRecord("user-1")
	require.NoError(t, s.Create(context.Background(), first))
	second := testRecord("user-1")
	require.NoError(t, s.Create(context.Background(), second))
	other := testRecord("user-2")
	require.NoError(t, s.Create(context.Background(), other))

	_, err := s.MarkRead(context.Background(), first.ID)
	require.NoError(t, err)

	records, err := s.GetUnread(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].ID)
}

func TestServiceMarkReadIdempotent(t *testing.T) {
	repo := newFakeRepo()
	s := NewService(repo)

	record := testRecord("user-1")
	require.NoError(t, s.Create(context.Background(), record))

	marked, err := s.MarkRead(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, marked.Read)

	again, err := s.MarkRead(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, again.Read)

	_, err = s.MarkRead(context.Background(), "rec-missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
