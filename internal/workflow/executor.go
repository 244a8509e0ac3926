package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Result is how a single task ended.
type Result int

const (
	ResultDone Result = iota
	ResultHalted
	ResultDeadLettered
	// ResultAborted means the runner itself is shutting down; nothing was
	// recorded and the task may be delivered again.
	ResultAborted
	// ResultRetry is only returned by Step: the attempt failed transiently.
	ResultRetry
)

func (r Result) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultHalted:
		return "halted"
	case ResultDeadLettered:
		return "dead_lettered"
	case ResultAborted:
		return "aborted"
	case ResultRetry:
		return "retry"
	}
	return "unknown"
}

// Executor runs one task: idempotency check, bounded retries, chain budget,
// compensation and dead-lettering. Both the in-process pool and the broker
// runners delegate to it.
type Executor struct {
	Ledger      Ledger
	DeadLetters DeadLetterSink

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(ledger Ledger, dl DeadLetterSink) *Executor {
	return &Executor{Ledger: ledger, DeadLetters: dl}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes t to completion, sleeping between attempts, and returns the
// order id for the next stage. Runners that must not hold a worker during
// backoff use Step instead.
func (e *Executor) Run(ctx context.Context, chainID string, t StageTask) (string, Result) {
	for attempt := 1; ; attempt++ {
		next, res, delay := e.Step(ctx, chainID, t, attempt)
		if res != ResultRetry {
			return next, res
		}
		if err := e.sleep(ctx, delay); err != nil {
			return "", ResultAborted
		}
	}
}

// Step runs a single attempt (1-based) of t. With ResultRetry the caller must
// schedule attempt+1 no earlier than the returned delay.
func (e *Executor) Step(ctx context.Context, chainID string, t StageTask, attempt int) (string, Result, time.Duration) {
	if attempt < 1 {
		attempt = 1
	}
	log := logging.FromContext(ctx).With(
		zap.String("chain_id", chainID),
		zap.String("order_id", t.OrderID),
		zap.String("stage", string(t.Stage)),
	)
	ctx = logging.ContextWithLogger(ctx, log)
	key := IdempotencyKey(t.OrderID, t.Stage)

	if e.Ledger != nil && attempt == 1 {
		done, err := e.Ledger.Done(ctx, key)
		if err != nil {
			log.Warn("ledger_lookup_failed", zap.Error(err))
		} else if done {
			metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeSkipped).Inc()
			log.Info("stage_skipped_already_done")
			return t.OrderID, ResultDone, 0
		}
	}

	if !t.Deadline.IsZero() && !e.now().Before(t.Deadline) {
		return "", e.deadLetter(ctx, chainID, t, attempt-1, ReasonDeadline, context.DeadlineExceeded), 0
	}

	next, err := e.attempt(ctx, chainID, t, attempt)
	if err == nil {
		if e.Ledger != nil {
			if err := e.Ledger.Mark(ctx, key); err != nil {
				log.Warn("ledger_mark_failed", zap.Error(err))
			}
		}
		if next == "" {
			next = t.OrderID
		}
		return next, ResultDone, 0
	}
	if ctx.Err() != nil {
		log.Info("stage_aborted", zap.Error(ctx.Err()))
		return "", ResultAborted, 0
	}
	if errors.Is(err, ErrHalt) {
		log.Info("chain_halted", zap.Error(err))
		return "", ResultHalted, 0
	}
	if IsPermanent(err) {
		return "", e.deadLetter(ctx, chainID, t, attempt, ReasonPermanent, err), 0
	}
	maxAttempts := t.Retry.Attempts()
	if attempt >= maxAttempts {
		return "", e.deadLetter(ctx, chainID, t, attempt, ReasonRetriesExhausted, err), 0
	}

	delay := t.Retry.Delay(attempt)
	if !t.Deadline.IsZero() && e.now().Add(delay).After(t.Deadline) {
		return "", e.deadLetter(ctx, chainID, t, attempt, ReasonDeadline, err), 0
	}
	metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeRetry).Inc()
	log.Warn("stage_retry",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	return "", ResultRetry, delay
}

func (e *Executor) attempt(ctx context.Context, chainID string, t StageTask, attempt int) (string, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "stage."+string(t.Stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("chain.id", chainID),
		attribute.String("order.id", t.OrderID),
		attribute.Int("stage.attempt", attempt),
	)

	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}

	start := e.now()
	next, err := t.Run(ctx, t.OrderID)
	metrics.StageDuration.WithLabelValues(string(t.Stage)).Observe(e.now().Sub(start).Seconds())

	switch {
	case err == nil:
		metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeOK).Inc()
	case errors.Is(err, ErrHalt):
		metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeHalted).Inc()
	default:
		metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
	}
	return next, err
}

func (e *Executor) deadLetter(ctx context.Context, chainID string, t StageTask, attempts int, reason string, cause error) Result {
	log := logging.FromContext(ctx)

	compensated := false
	if t.Compensate != nil {
		outcome := metrics.OutcomeOK
		if err := t.Compensate(ctx, t.OrderID); errors.Is(err, ErrCompensationSkipped) {
			outcome = metrics.OutcomeSkipped
			log.Warn("compensation_skipped", zap.Error(err))
		} else if err != nil {
			outcome = metrics.OutcomeError
			log.Error("compensation_failed", zap.Error(err))
		} else {
			compensated = true
		}
		metrics.Compensations.WithLabelValues(string(t.Stage), outcome).Inc()
	}

	dl := DeadLetter{
		ChainID:     chainID,
		OrderID:     t.OrderID,
		Stage:       t.Stage,
		Attempts:    attempts,
		Reason:      reason,
		Compensated: compensated,
		At:          e.now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}

	metrics.StageRuns.WithLabelValues(string(t.Stage), metrics.OutcomeDeadLettered).Inc()
	metrics.DeadLetters.WithLabelValues(string(t.Stage), reason).Inc()
	log.Error("stage_dead_lettered",
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
		zap.Bool("compensated", compensated),
		zap.Error(cause),
	)

	if e.DeadLetters != nil {
		if err := e.DeadLetters.DeadLetter(ctx, dl); err != nil {
			log.Error("dead_letter_publish_failed", zap.Error(err))
		}
	}
	return ResultDeadLettered
}
