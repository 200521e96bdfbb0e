package mailer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func eventBody(t *testing.T, eventType, emailID string, extra map[string]any) []byte {
	t.Helper()

	data := map[string]any{"email_id": emailID}
	for k, v := range extra {
		data[k] = v
	}
	body, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	require.NoError(t, err)
	return body
}

func postWebhook(h *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/resend", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

// sentItem enqueues, claims and marks an item sent under the given
// provider message ID, mirroring a completed dispatch.
func sentItem(t *testing.T, repo *fakeRepo, pmid string) *QueueItem {
	t.Helper()

	item := enqueuePendingItem(repo)
	_, err := repo.ClaimByID(context.Background(), item.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(context.Background(), item.ID, pmid, time.Now().UTC()))
	return repo.get(item.ID)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventBounced, "re_1", map[string]any{"reason": "mailbox full"})

	rec := postWebhook(h, body, signBody("wrong-secret", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error": "Invalid signature"}`, rec.Body.String())
	assert.Equal(t, QueueStatusSent, item.Status, "unverified events must not mutate state")

	rec = postWebhook(h, body, "not-hex")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(h, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookDeliveredConfirmsSent(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventDelivered, "re_1", nil)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
	assert.Equal(t, QueueStatusSent, item.Status)
	require.NotNil(t, item.SentAt)
}

func TestWebhookBounceShortCircuitsRetryBudget(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	require.Less(t, item.Attempts, item.MaxAttempts)
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventBounced, "re_1", map[string]any{"reason": "mailbox does not exist"})
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueStatusFailed, item.Status,
		"a bounce is terminal regardless of the remaining retry budget")
	assert.Equal(t, "mailbox does not exist", item.LastError)
	assert.Nil(t, item.NextAttemptAt)
}

func TestWebhookComplaintMarksFailed(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventComplained, "re_1", nil)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, "recipient marked the message as spam", item.LastError)
}

func TestWebhookDeliveryDelayedDefaultReason(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventDeliveryDelayed, "re_1", nil)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, "delivery delayed by provider", item.LastError)
}

func TestWebhookMergesRepeatedOpens(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	first := eventBody(t, eventOpened, "re_1", map[string]any{
		"created_at": "2026-08-30T10:00:00Z",
		"ip":         "192.0.2.10",
		"user_agent": "Mozilla/5.0",
	})
	second := eventBody(t, eventOpened, "re_1", map[string]any{
		"created_at": "2026-08-30T11:30:00Z",
		"ip":         "192.0.2.20",
	})

	assert.Equal(t, http.StatusOK, postWebhook(h, first, signBody(testWebhookSecret, first)).Code)
	assert.Equal(t, http.StatusOK, postWebhook(h, second, signBody(testWebhookSecret, second)).Code)

	assert.Equal(t, 2, item.Metadata.Opens, "a second open must merge, not overwrite")
	require.Len(t, item.Metadata.OpenEvents, 2)
	assert.Equal(t, "192.0.2.10", item.Metadata.OpenEvents[0].IP)
	assert.Equal(t, "192.0.2.20", item.Metadata.OpenEvents[1].IP)
	require.NotNil(t, item.Metadata.LastOpened)
	assert.Equal(t, "2026-08-30T11:30:00Z", item.Metadata.LastOpened.Format(time.RFC3339))
	assert.Equal(t, QueueStatusSent, item.Status, "engagement never changes delivery status")
}

func TestWebhookClickRecordsURL(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventClicked, "re_1", map[string]any{
		"created_at": "2026-08-30T12:00:00Z",
		"url":        "https://kuanalu.app/tasks/42",
	})
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, item.Metadata.Clicks)
	require.Len(t, item.Metadata.ClickEvents, 1)
	assert.Equal(t, "https://kuanalu.app/tasks/42", item.Metadata.ClickEvents[0].URL)
	require.NotNil(t, item.Metadata.LastClicked)
}

func TestWebhookUnknownMessageIDIsAcked(t *testing.T) {
	repo := newFakeRepo()
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, eventDelivered, "re_unknown", nil)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code,
		"erroring would only trigger provider retries for an event that can never resolve")
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
}

func TestWebhookMalformedPayloadIsAcked(t *testing.T) {
	repo := newFakeRepo()
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := []byte(`{"type": "email.delivered", "data":`)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookUnrecognizedTypeIsAcked(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, testWebhookSecret)

	body := eventBody(t, "email.scheduled", "re_1", nil)
	rec := postWebhook(h, body, signBody(testWebhookSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueStatusSent, item.Status)
	assert.Zero(t, item.Metadata.Opens)
}

func TestWebhookWithoutSecretSkipsVerification(t *testing.T) {
	repo := newFakeRepo()
	item := sentItem(t, repo, "re_1")
	h := NewWebhookHandler(repo, "")

	body := eventBody(t, eventBounced, "re_1", map[string]any{"reason": "bounced"})
	rec := postWebhook(h, body, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, QueueStatusFailed, item.Status)
}
