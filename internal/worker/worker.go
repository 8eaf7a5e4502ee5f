// Package worker implements the forwarding worker: the long-running
// loop that couples the rate limiter, the queue, and the retry-wrapped
// upstream client, per spec §4.F. Grounded on the teacher's
// cmd/mailit/main.go errgroup + signal.NotifyContext wiring idiom for
// cooperative cancellation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/queue"
	"github.com/relaycore/mtarelay/internal/ratelimit"
	"github.com/relaycore/mtarelay/internal/relayerr"
)

// Sender is the retry-wrapped send path the worker calls into.
type Sender interface {
	Send(ctx context.Context, m *model.Message) *model.SendingResult
}

// Metrics is an optional sink for relay-specific gauges/histograms.
// Pass nil to disable metrics.
type Metrics interface {
	ObserveSendDuration(seconds float64)
	IncSent()
	IncFailed()
	IncRequeued()
	SetQueueDepths(ready, inFlight int64)
}

// ForwardingWorker implements spec §4.F's six-step loop:
// acquire -> dequeue -> send-with-retry -> settle.
type ForwardingWorker struct {
	queue      queue.Queue
	limiter    ratelimit.Limiter
	sender     Sender
	maxRetries int
	logger     *slog.Logger
	metrics    Metrics

	emptyPollInterval time.Duration
	errorBackoff      time.Duration
}

// Config configures a ForwardingWorker.
type Config struct {
	Queue      queue.Queue
	Limiter    ratelimit.Limiter
	Sender     Sender
	MaxRetries int
	Logger     *slog.Logger
	Metrics    Metrics
}

// New builds a ForwardingWorker from cfg.
func New(cfg Config) *ForwardingWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwardingWorker{
		queue:             cfg.Queue,
		limiter:           cfg.Limiter,
		sender:            cfg.Sender,
		maxRetries:        cfg.MaxRetries,
		logger:            logger.With("component", "worker"),
		metrics:           cfg.Metrics,
		emptyPollInterval: time.Second,
		errorBackoff:      5 * time.Second,
	}
}

// Run executes the dispatch loop until ctx is cancelled. It never
// returns on non-fatal per-message errors; it only returns when ctx is
// done, matching spec §4.F ("it exits only on explicit stop").
func (w *ForwardingWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		w.limiter.Acquire()

		if err := ctx.Err(); err != nil {
			return nil
		}

		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			if !w.sleep(ctx, w.errorBackoff) {
				return nil
			}
			continue
		}
		if msg == nil {
			w.sampleQueueDepths(ctx)
			if !w.sleep(ctx, w.emptyPollInterval) {
				return nil
			}
			continue
		}

		w.dispatch(ctx, msg)
		w.sampleQueueDepths(ctx)
	}
}

// sampleQueueDepths refreshes the queue depth gauges. It is best-effort:
// a sizing error is logged at debug level and otherwise ignored, since
// depth is advisory (spec §4.B) and must never block dispatch.
func (w *ForwardingWorker) sampleQueueDepths(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	ready, err := w.queue.SizeReady(ctx)
	if err != nil {
		w.logger.Debug("sampling ready depth failed", "error", err)
		return
	}
	inFlight, err := w.queue.SizeInFlight(ctx)
	if err != nil {
		w.logger.Debug("sampling in-flight depth failed", "error", err)
		return
	}
	w.metrics.SetQueueDepths(ready, inFlight)
}

// dispatch runs the send-with-retry-then-settle steps for one message,
// recovering defensively from any step's failure per spec §4.F's
// "if any step throws" clause: it prefers re-enqueue over marking
// failed whenever retry budget remains.
func (w *ForwardingWorker) dispatch(ctx context.Context, msg *model.Message) {
	start := time.Now()
	result := w.sender.Send(ctx, msg)
	w.observeDuration(time.Since(start))

	if result.Success {
		if err := w.queue.Settle(ctx, msg.ID, model.StatusSent); err != nil {
			w.logger.Error("settle sent failed", "id", msg.ID, "error", err)
		}
		w.incSent()
		return
	}

	if msg.CanRetry(w.maxRetries) {
		w.requeue(ctx, msg)
		return
	}

	if err := w.queue.Settle(ctx, msg.ID, model.StatusFailed); err != nil {
		w.logger.Error("settle failed-terminal failed", "id", msg.ID, "error", err)
	}
	w.incFailed()
	exhausted := relayerr.Wrap(relayerr.ErrRetriesExhausted, fmt.Errorf("%s", result.ErrorText))
	w.logger.Warn("message exhausted retry budget",
		"id", msg.ID, "retry_count", msg.RetryCount, "error", exhausted)
}

// requeue re-enqueues msg as a fresh pending entry, then settles the
// in-flight entry it came from — enqueue-then-settle, not the other
// order, so a worker crash between the two steps never loses the
// message (it is simply visible in both ready and in_flight briefly,
// never in neither).
func (w *ForwardingWorker) requeue(ctx context.Context, msg *model.Message) {
	msg.Status = model.StatusPending
	if err := w.queue.Enqueue(ctx, msg); err != nil {
		w.logger.Error("re-enqueue failed", "id", msg.ID, "error", err)
		// The entry stays in_flight; recover() on the next restart will
		// return it to ready rather than lose it silently.
		return
	}
	if err := w.queue.Settle(ctx, msg.ID, model.StatusFailedRetry); err != nil {
		w.logger.Error("settle failed-retry failed", "id", msg.ID, "error", err)
	}
	w.incRequeued()
}

func (w *ForwardingWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *ForwardingWorker) observeDuration(d time.Duration) {
	if w.metrics != nil {
		w.metrics.ObserveSendDuration(d.Seconds())
	}
}

func (w *ForwardingWorker) incSent() {
	if w.metrics != nil {
		w.metrics.IncSent()
	}
}

func (w *ForwardingWorker) incFailed() {
	if w.metrics != nil {
		w.metrics.IncFailed()
	}
}

func (w *ForwardingWorker) incRequeued() {
	if w.metrics != nil {
		w.metrics.IncRequeued()
	}
}
