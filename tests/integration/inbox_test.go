//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abeyoshida/kuanalu-sub000/internal/inbox"
	inboxpostgres "github.com/abeyoshida/kuanalu-sub000/internal/inbox/postgres"
)

func newInboxRecord(recipientID string) *inbox.Record {
	return &inbox.Record{
		Type:         inbox.TypeTaskAssignment,
		RecipientID:  recipientID,
		SenderID:     uuid.New().String(),
		ResourceType: "task",
		ResourceID:   uuid.New().String(),
		Data:         json.RawMessage(`{"task_title": "Fix login page"}`),
	}
}

func TestInboxRepository_CreateAndUnread(t *testing.T) {
	ctx := context.Background()
	repo := inboxpostgres.NewRepository(testDB)
	recipientID := uuid.New().String()

	first := newInboxRecord(recipientID)
	require.NoError(t, repo.Create(ctx, first))
	require.NotEmpty(t, first.ID)
	require.False(t, first.CreatedAt.IsZero())

	second := newInboxRecord(recipientID)
	second.Type = inbox.TypeMention
	require.NoError(t, repo.Create(ctx, second))

	other := newInboxRecord(uuid.New().String())
	require.NoError(t, repo.Create(ctx, other))

	records, err := repo.GetUnread(ctx, recipientID, 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "other recipients' records must not leak")
	assert.Equal(t, second.ID, records[0].ID, "newest first")
	assert.Equal(t, first.ID, records[1].ID)
	assert.JSONEq(t, `{"task_title": "Fix login page"}`, string(records[1].Data))

	records, err = repo.GetUnread(ctx, recipientID, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].ID)
}

func TestInboxRepository_MarkRead(t *testing.T) {
	ctx := context.Background()
	repo := inboxpostgres.NewRepository(testDB)
	recipientID := uuid.New().String()

	record := newInboxRecord(recipientID)
	require.NoError(t, repo.Create(ctx, record))

	marked, err := repo.MarkRead(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, marked.Read)

	// Idempotent: re-marking succeeds and changes nothing.
	again, err := repo.MarkRead(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, again.Read)

	records, err := repo.GetUnread(ctx, recipientID, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = repo.MarkRead(ctx, uuid.New().String())
	assert.ErrorIs(t, err, inbox.ErrRecordNotFound)
}
