// Package mailer implements the outbound notification delivery queue:
// a durable store of rendered messages, a dispatcher with bounded retries
// and exponential backoff, and a webhook receiver that reconciles
// provider-reported delivery and engagement events.
package mailer

import "time"

// QueueStatus represents the status of a queue item.
type QueueStatus string

// Queue statuses. An item moves pending -> processing -> sent|retrying|failed;
// retrying items return to processing when their next attempt is due.
// Once sent or failed, no further dispatch attempts occur.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusRetrying   QueueStatus = "retrying"
)

// Message is fully-rendered outbound content. The queue never inspects it
// beyond requiring a recipient, a subject, and an HTML body.
type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

// QueueItem is one unit of outbound delivery work and its durable state.
// Items are never deleted; a terminal item is the audit trail of the attempt.
type QueueItem struct {
	ID      string      `json:"id"`
	Message Message     `json:"message"`
	Status  QueueStatus `json:"status"`

	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`

	// Correlation back to the originating resource.
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`

	Metadata EngagementMetadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// maxEngagementEvents caps the per-item engagement logs. Open/click events
// keep arriving as long as the recipient keeps the email; without a cap the
// metadata document grows without bound. Oldest events are dropped first.
const maxEngagementEvents = 50

// OpenEvent records a single provider-reported open.
type OpenEvent struct {
	At        time.Time `json:"at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// ClickEvent records a single provider-reported link click.
type ClickEvent struct {
	At        time.Time `json:"at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Location  string    `json:"location,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// EngagementMetadata accumulates open/click engagement reported by the
// provider after a successful send. Stored as a jsonb document on the item.
type EngagementMetadata struct {
	Opens       int          `json:"opens"`
	OpenEvents  []OpenEvent  `json:"open_events,omitempty"`
	Clicks      int          `json:"clicks"`
	ClickEvents []ClickEvent `json:"click_events,omitempty"`
	LastOpened  *time.Time   `json:"last_opened,omitempty"`
	LastClicked *time.Time   `json:"last_clicked,omitempty"`
}

// RecordOpen merges one open event into the metadata.
func (m *EngagementMetadata) RecordOpen(ev OpenEvent) {
	m.Opens++
	m.OpenEvents = append(m.OpenEvents, ev)
	if len(m.OpenEvents) > maxEngagementEvents {
		m.OpenEvents = m.OpenEvents[len(m.OpenEvents)-maxEngagementEvents:]
	}
	at := ev.At
	m.LastOpened = &at
}

// RecordClick merges one click event into the metadata.
func (m *EngagementMetadata) RecordClick(ev ClickEvent) {
	m.Clicks++
	m.ClickEvents = append(m.ClickEvents, ev)
	if len(m.ClickEvents) > maxEngagementEvents {
		m.ClickEvents = m.ClickEvents[len(m.ClickEvents)-maxEngagementEvents:]
	}
	at := ev.At
	m.LastClicked = &at
}

// QueueStats contains queue size counts by status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retrying   int64 `json:"retrying"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
}
