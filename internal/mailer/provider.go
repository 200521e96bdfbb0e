package mailer

import (
	"context"
	"errors"
	"fmt"
)

// Provider is the transactional delivery vendor boundary. Implementations
// are stateless: one network call per Send, no retries, no persistence.
type Provider interface {
	// Send delivers the message and returns the provider-assigned message
	// ID. Errors should be *ProviderError where classification is known.
	Send(ctx context.Context, msg *Message) (string, error)
}

// ProviderError describes a failed provider call.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: %s (status %d)", e.Message, e.StatusCode)
	}
	return "provider: " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure is worth another attempt.
func (e *ProviderError) IsRetryable() bool {
	return e.Transient
}

// isRetryable classifies an error from a provider call. Unknown errors
// default to retryable; only an explicit non-transient classification
// short-circuits the retry budget.
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return true
}
