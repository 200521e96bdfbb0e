// Package inbox manages per-recipient notification records: the
// append-only read/unread feed populated alongside outbound deliveries.
package inbox

import (
	"encoding/json"
	"errors"
	"time"
)

// NotificationType classifies what a record is about.
type NotificationType string

// Notification types.
const (
	TypeInvitation     NotificationType = "invitation"
	TypeTaskAssignment NotificationType = "task_assignment"
	TypeTaskUpdate     NotificationType = "task_update"
	TypeComment        NotificationType = "comment"
	TypeMention        NotificationType = "mention"
)

// Valid reports whether the type is one of the known notification kinds.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeInvitation, TypeTaskAssignment, TypeTaskUpdate, TypeComment, TypeMention:
		return true
	}
	return false
}

// Record is one inbox entry. Records are append-only: only the Read flag
// ever changes, and only from false to true.
type Record struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id,omitempty"`

	// Correlation to the originating resource and, once known, the
	// delivery that carried this notification.
	ResourceType      string `json:"resource_type,omitempty"`
	ResourceID        string `json:"resource_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	Read      bool            `json:"read"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Domain errors.
var (
	ErrRecordNotFound   = errors.New("notification record not found")
	ErrInvalidType      = errors.New("invalid notification type")
	ErrMissingRecipient = errors.New("recipient id is required")
)
