package mailer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/ctxlog"
	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/httputil"
)

// SignatureHeader carries the provider-computed hex HMAC-SHA256 of the
// raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds how much of a webhook request is read.
const maxWebhookBody = 1 << 20

// Provider event types.
const (
	eventSent            = "email.sent"
	eventDelivered       = "email.delivered"
	eventDeliveryDelayed = "email.delivery_delayed"
	eventComplained      = "email.complained"
	eventBounced         = "email.bounced"
	eventOpened          = "email.opened"
	eventClicked         = "email.clicked"
)

type webhookEvent struct {
	Type string           `json:"type"`
	Data webhookEventData `json:"data"`
}

type webhookEventData struct {
	EmailID   string `json:"email_id"`
	To        string `json:"to"`
	From      string `json:"from"`
	CreatedAt string `json:"created_at"`
	Reason    string `json:"reason"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Location  string `json:"location"`
	URL       string `json:"url"`
}

// WebhookHandler ingests asynchronous delivery and engagement callbacks
// from the provider and reconciles them onto queue items.
//
// The provider retries any non-2xx response, so every malformed or
// unresolvable event is acknowledged with 200 after logging; only a bad
// signature (401) and an unexpected store error (500) are surfaced.
type WebhookHandler struct {
	repo   Repository
	secret []byte
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature verification; NewWebhookHandler logs loudly in that case
// because the endpoint is then open to forged events.
func NewWebhookHandler(repo Repository, secret string) *WebhookHandler {
	return &WebhookHandler{
		repo:   repo,
		secret: []byte(secret),
	}
}

// Handle processes POST /webhooks/resend.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		logger.Error("failed to read webhook body", "error", err)
		httputil.JSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read request body"})
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		httputil.JSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Acknowledge anyway: erroring here would only trigger the
		// provider's retry storm against a payload that will never parse.
		logger.Warn("malformed webhook payload", "error", err)
		recordWebhookEvent("malformed", "ignored")
		h.ok(w)
		return
	}

	if err := h.apply(r, &event); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			logger.Warn("webhook references unknown provider message id",
				"type", event.Type,
				"provider_message_id", event.Data.EmailID,
			)
			recordWebhookEvent(event.Type, "unknown_item")
			h.ok(w)
			return
		}
		logger.Error("failed to apply webhook event",
			"type", event.Type,
			"provider_message_id", event.Data.EmailID,
			"error", err,
		)
		recordWebhookEvent(event.Type, "error")
		httputil.JSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
		return
	}

	recordWebhookEvent(event.Type, "applied")
	h.ok(w)
}

// apply routes one verified event to the matching queue transition.
func (h *WebhookHandler) apply(r *http.Request, event *webhookEvent) error {
	ctx := r.Context()
	logger := ctxlog.FromContext(ctx)

	switch event.Type {
	case eventSent, eventDelivered:
		return h.repo.MarkDelivered(ctx, event.Data.EmailID)

	case eventDeliveryDelayed:
		reason := event.Data.Reason
		if reason == "" {
			reason = "delivery delayed by provider"
		}
		return h.repo.MarkDeliveryFailed(ctx, event.Data.EmailID, reason)

	case eventComplained:
		return h.repo.MarkDeliveryFailed(ctx, event.Data.EmailID, "recipient marked the message as spam")

	case eventBounced:
		reason := event.Data.Reason
		if reason == "" {
			reason = "message bounced"
		}
		return h.repo.MarkDeliveryFailed(ctx, event.Data.EmailID, reason)

	case eventOpened:
		return h.repo.RecordOpen(ctx, event.Data.EmailID, OpenEvent{
			At:        eventTime(event.Data.CreatedAt),
			IP:        event.Data.IP,
			UserAgent: event.Data.UserAgent,
			Location:  event.Data.Location,
		})

	case eventClicked:
		return h.repo.RecordClick(ctx, event.Data.EmailID, ClickEvent{
			At:        eventTime(event.Data.CreatedAt),
			IP:        event.Data.IP,
			UserAgent: event.Data.UserAgent,
			Location:  event.Data.Location,
			URL:       event.Data.URL,
		})

	default:
		logger.Info("ignoring unrecognized webhook event", "type", event.Type)
		return nil
	}
}

// verifySignature compares the provided hex HMAC-SHA256 against one
// computed over the raw body, in constant time. With no secret configured
// verification is skipped; that fallback exists for local development and
// is logged as insecure at startup.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return true
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func (h *WebhookHandler) ok(w http.ResponseWriter) {
	httputil.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// eventTime parses the provider's created_at timestamp, falling back to
// now for unparseable values so engagement events are never dropped over
// a bad timestamp.
func eventTime(value string) time.Time {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC()
	}
	return time.Now().UTC()
}
