// Package retry wraps an upstream send with the bounded,
// exponential-backoff retry loop from spec §4.E. Grounded on
// original_source/app/email_sender.py's RetryManager.send_with_retry
// for the loop shape, and on the pack's ubbagent RetryingSender for the
// idiom of a cancellable sleep between attempts.
package retry

import (
	"context"
	"time"

	"github.com/relaycore/mtarelay/internal/model"
)

// Sender is the subset of upstream.Client the retry manager needs.
type Sender interface {
	Send(ctx context.Context, m *model.Message) *model.SendingResult
}

// Manager wraps a Sender with retry. It never writes back to the
// queue itself; the forwarding worker does that with the result it
// returns (spec §4.E).
type Manager struct {
	sender     Sender
	maxRetries int
	baseDelay  time.Duration
}

// New builds a Manager around sender with the given retry budget and
// base backoff delay.
func New(sender Sender, maxRetries int, baseDelay time.Duration) *Manager {
	return &Manager{sender: sender, maxRetries: maxRetries, baseDelay: baseDelay}
}

// Send retries m against the wrapped sender until it succeeds, the
// retry budget is exhausted, or ctx is cancelled. The returned result is
// the last attempt's result as the wrapped sender produced it (its
// RetryCount is whatever the sender set); m's own RetryCount is advanced
// in place so the caller's settle/re-enqueue decision (spec §4.F) sees
// the up-to-date value.
func (r *Manager) Send(ctx context.Context, m *model.Message) *model.SendingResult {
	for {
		result := r.sender.Send(ctx, m)
		if result.Success {
			return result
		}

		if m.RetryCount+1 > r.maxRetries {
			return result
		}

		delay := model.RetryDelay(r.baseDelay, m.RetryCount)
		m.IncrementRetry()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.ErrorText = result.ErrorText + "; retry aborted: " + ctx.Err().Error()
			return result
		case <-timer.C:
		}
	}
}
