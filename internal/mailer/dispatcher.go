package mailer

import (
	"context"
	"time"

	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/ctxlog"
)

// DispatcherConfig contains dispatch and backoff configuration.
type DispatcherConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	SendTimeout       time.Duration
}

// DefaultDispatcherConfig returns the default retry policy: first retry
// after 2 minutes, doubling per attempt, capped at one hour.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		InitialBackoff:    2 * time.Minute,
		MaxBackoff:        1 * time.Hour,
		BackoffMultiplier: 2.0,
		SendTimeout:       10 * time.Second,
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Dispatcher attempts delivery of claimed queue items and applies the
// retry/backoff policy. It owns the single authoritative state transition:
// both the scheduled drain and the immediate-enqueue path go through
// dispatchOne, so retry semantics cannot diverge between call sites.
//
// The dispatcher runs on demand; an external scheduler (or an immediate
// enqueue) triggers Drain. Overlapping invocations are safe because the
// repository claim skips rows already taken.
type Dispatcher struct {
	config   DispatcherConfig
	repo     Repository
	provider Provider
}

// NewDispatcher creates a dispatcher. The provider is an explicit
// dependency so tests can substitute a stub without global state.
func NewDispatcher(config DispatcherConfig, repo Repository, provider Provider) *Dispatcher {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		config:   config,
		repo:     repo,
		provider: provider,
	}
}

// Drain claims up to limit due items and dispatches each one. Item-level
// outcomes are recorded as queue state, never returned as errors; Drain
// itself fails only if the claim cannot be executed.
func (d *Dispatcher) Drain(ctx context.Context, limit int, includeRetrying bool) (DrainResult, error) {
	var result DrainResult

	items, err := d.repo.ClaimDue(ctx, limit, includeRetrying)
	if err != nil {
		return result, err
	}

	if len(items) == 0 {
		return result, nil
	}

	ctxlog.FromContext(ctx).Debug("draining queue", "claimed", len(items))
	recordQueueClaimed(len(items))

	for _, item := range items {
		status := d.dispatchOne(ctx, item)
		result.Processed++
		if status == QueueStatusSent {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	return result, nil
}

// DispatchItem claims and dispatches a single item, used by the
// immediate-enqueue path. The returned item reflects the post-dispatch
// state so interactive callers get a definitive outcome.
func (d *Dispatcher) DispatchItem(ctx context.Context, id string) (*QueueItem, error) {
	item, err := d.repo.ClaimByID(ctx, id)
	if err != nil {
		return nil, err
	}

	d.dispatchOne(ctx, item)
	return item, nil
}

// RecoverStuck returns crashed-dispatcher items (stuck in processing) back
// to pending so the next drain picks them up.
func (d *Dispatcher) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return d.repo.RecoverStuck(ctx, olderThan)
}

// dispatchOne sends one claimed item and applies the outcome, mutating the
// in-memory item to match the durable state it wrote. Returns the final
// status for this pass.
func (d *Dispatcher) dispatchOne(ctx context.Context, item *QueueItem) QueueStatus {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	providerMessageID, sendErr := d.provider.Send(sendCtx, &item.Message)
	cancel()

	recordSendDuration(time.Since(start))

	if sendErr == nil {
		sentAt := time.Now().UTC()
		if err := d.repo.MarkSent(ctx, item.ID, providerMessageID, sentAt); err != nil {
			// The send happened; the item stays processing and the stuck
			// recovery pass will re-queue it. The provider webhook usually
			// reconciles the status first.
			logger.Error("failed to mark item sent", "item_id", item.ID, "error", err)
			return item.Status
		}
		item.Status = QueueStatusSent
		item.SentAt = &sentAt
		item.ProviderMessageID = providerMessageID
		item.NextAttemptAt = nil
		recordDispatchOutcome("sent")
		logger.Debug("item sent",
			"item_id", item.ID,
			"provider_message_id", providerMessageID,
			"attempt", item.Attempts+1,
		)
		return QueueStatusSent
	}

	attempts := item.Attempts + 1
	logger.Warn("send failed",
		"item_id", item.ID,
		"attempt", attempts,
		"max_attempts", item.MaxAttempts,
		"error", sendErr,
	)

	if !isRetryable(sendErr) || attempts >= item.MaxAttempts {
		if err := d.repo.MarkSendFailed(ctx, item.ID, sendErr.Error()); err != nil {
			logger.Error("failed to mark item failed", "item_id", item.ID, "error", err)
			return item.Status
		}
		item.Status = QueueStatusFailed
		item.Attempts = attempts
		item.LastError = sendErr.Error()
		item.NextAttemptAt = nil
		recordDispatchOutcome("failed")
		return QueueStatusFailed
	}

	nextAttempt := d.nextAttemptAt(attempts)
	if err := d.repo.MarkForRetry(ctx, item.ID, sendErr.Error(), nextAttempt); err != nil {
		logger.Error("failed to mark item for retry", "item_id", item.ID, "error", err)
		return item.Status
	}
	item.Status = QueueStatusRetrying
	item.Attempts = attempts
	item.LastError = sendErr.Error()
	item.NextAttemptAt = &nextAttempt
	recordDispatchOutcome("retrying")

	logger.Info("item scheduled for retry",
		"item_id", item.ID,
		"attempt", attempts,
		"next_attempt_at", nextAttempt,
	)
	return QueueStatusRetrying
}

// nextAttemptAt computes the backoff deadline for the given post-increment
// attempt count: initial backoff after the first failure, multiplied per
// subsequent failure, capped at MaxBackoff.
func (d *Dispatcher) nextAttemptAt(attempt int) time.Time {
	backoff := float64(d.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= d.config.BackoffMultiplier
	}

	if backoff > float64(d.config.MaxBackoff) {
		backoff = float64(d.config.MaxBackoff)
	}

	return time.Now().UTC().Add(time.Duration(backoff))
}
