package mailer

import "errors"

// Producer validation errors.
var (
	ErrNoRecipients = errors.New("at least one recipient is required")
	ErrEmptySubject = errors.New("subject must not be empty")
	ErrEmptyBody    = errors.New("html body must not be empty")
)

// Repository errors.
var (
	ErrItemNotFound = errors.New("queue item not found")
	ErrNotClaimable = errors.New("queue item is not in a dispatchable state")
)
