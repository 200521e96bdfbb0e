// Package resend implements the provider adapter for the Resend
// transactional email API.
package resend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/abeyoshida/kuanalu-sub000/internal/mailer"
	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 10 * time.Second

// Config holds Resend API settings.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Sender implements mailer.Provider against the Resend REST API.
type Sender struct {
	client *resty.Client
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// NewSender creates a Resend adapter.
func NewSender(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("resend: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.resend.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0) // retries belong to the dispatcher, not the adapter

	return &Sender{client: client}, nil
}

// Send posts one message and returns the Resend message ID.
func (s *Sender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	var result sendResponse
	var apiErr errorResponse

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(sendRequest{
			From:    msg.From,
			To:      msg.To,
			CC:      msg.CC,
			BCC:     msg.BCC,
			ReplyTo: msg.ReplyTo,
			Subject: msg.Subject,
			HTML:    msg.HTML,
			Text:    msg.Text,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/emails")
	if err != nil {
		// Transport-level failure: timeout, DNS, refused connection.
		return "", &mailer.ProviderError{
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := resp.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		if result.ID == "" {
			return "", &mailer.ProviderError{
				StatusCode: statusCode,
				Message:    "response missing message id",
				Transient:  true,
			}
		}
		return result.ID, nil
	}

	message := apiErr.Message
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", statusCode)
	}

	return "", &mailer.ProviderError{
		StatusCode: statusCode,
		Message:    message,
		Transient:  isTransientStatus(statusCode),
	}
}

// isTransientStatus treats rate limiting and server errors as retryable;
// any other 4xx means the message itself is unacceptable (bad address,
// policy block) and retrying would burn the budget for nothing.
func isTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}
