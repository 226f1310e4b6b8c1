package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/store"
)

// DrainReport summarizes one drain run.
type DrainReport struct {
	Attempted   int  // remote writes tried
	Succeeded   int  // delivered and dequeued
	Rescheduled int  // failed, will retry after backoff
	Failed      int  // failed terminally, record marked failed
	Skipped     int  // not yet due, or superseded while the run was in progress
	Busy        bool // another drain was already running; nothing was done
}

// drainOutcome is the result of attempting a single queued op.
type drainOutcome int

const (
	outcomeSucceeded drainOutcome = iota
	outcomeRescheduled
	outcomeFailed
	outcomeSkipped
	outcomeOffline
)

// Drain delivers due queued operations in FIFO order. Only one drain runs
// at a time: an overlapping call returns a Busy report and asks the running
// drain for one more pass. The drain stops early when the network drops.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.drainAgain.Store(true)

		// The running drain may have finished its last check already.
		if !e.draining.CompareAndSwap(false, true) {
			return DrainReport{Busy: true}, nil
		}
	}

	var total DrainReport

	for {
		err := e.drainPasses(ctx, &total)
		if err == nil {
			e.armRetryTimer(ctx)
		}

		e.draining.Store(false)

		if err != nil {
			return total, err
		}

		// A request that arrived between the last pass and the release is
		// ours to serve unless another caller has taken over.
		if !e.drainAgain.Load() || !e.draining.CompareAndSwap(false, true) {
			break
		}
	}

	if total.Attempted > 0 {
		e.logger.Info("queue drained",
			slog.Int("attempted", total.Attempted),
			slog.Int("succeeded", total.Succeeded),
			slog.Int("rescheduled", total.Rescheduled),
			slog.Int("failed", total.Failed),
			slog.Int("skipped", total.Skipped),
		)
	}

	return total, nil
}

// drainPasses runs passes until no further drain was requested during one.
func (e *Engine) drainPasses(ctx context.Context, total *DrainReport) error {
	for {
		e.drainAgain.Store(false)

		report, err := e.drainOnce(ctx)
		total.Attempted += report.Attempted
		total.Succeeded += report.Succeeded
		total.Rescheduled += report.Rescheduled
		total.Failed += report.Failed
		total.Skipped += report.Skipped

		if err != nil {
			return err
		}

		if !e.drainAgain.Load() {
			return nil
		}
	}
}

func (e *Engine) drainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	ops, err := e.queue.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("sync: listing queue: %w", err)
	}

	for i := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !e.network.Online() {
			e.logger.Info("drain stopped: offline", slog.Int("remaining", len(ops)-i))
			break
		}

		outcome := e.drainOp(ctx, &ops[i])

		switch outcome {
		case outcomeSucceeded:
			report.Attempted++
			report.Succeeded++
		case outcomeRescheduled:
			report.Attempted++
			report.Rescheduled++
		case outcomeFailed:
			report.Attempted++
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		case outcomeOffline:
			e.logger.Info("drain stopped: connection lost", slog.Int("remaining", len(ops)-i))
			return report, nil
		}
	}

	return report, nil
}

// drainOp attempts one queued op under its entity lock. The entry is
// re-read first: a concurrent listener may have superseded it, and a push
// may have coalesced a newer payload into it.
func (e *Engine) drainOp(ctx context.Context, listed *store.QueuedOp) drainOutcome {
	key := entityKey(listed.EntityType, listed.EntityID)

	unlock := e.locks.lock(key)
	defer unlock()

	op, err := e.queue.PendingFor(ctx, listed.EntityType, listed.EntityID)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", key))
		return outcomeSkipped
	}

	if op == nil || op.ID != listed.ID {
		return outcomeSkipped
	}

	now := e.now()
	if !op.Due(now) {
		return outcomeSkipped
	}

	err = e.writeRemote(ctx, op.Operation, op.Payload)
	if err == nil {
		removed, derr := e.queue.DequeueSuccessful(ctx, op.ID, op.Version)
		if derr != nil {
			e.reporter.Report(derr, slog.String("entity", key))
		}

		if removed {
			e.markSynced(ctx, op.Payload)
		}

		return outcomeSucceeded
	}

	if errors.Is(err, remote.ErrOffline) {
		return outcomeOffline
	}

	attempts := op.RetryCount + 1

	if attempts >= e.maxRetries || !remote.IsTransient(err) {
		e.failOp(ctx, op, attempts, err)
		return outcomeFailed
	}

	delay := e.backoff(attempts)

	if rerr := e.queue.Reschedule(ctx, op.ID, attempts, now+delay.Milliseconds(), err.Error()); rerr != nil {
		e.reporter.Report(rerr, slog.String("entity", key))
	}

	e.logger.Debug("queued op rescheduled",
		slog.String("entity", key),
		slog.Int("attempts", attempts),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)

	return outcomeRescheduled
}

// failOp drops a queued op that will not be retried and marks its record
// failed.
func (e *Engine) failOp(ctx context.Context, op *store.QueuedOp, attempts int, cause error) {
	key := entityKey(op.EntityType, op.EntityID)

	if err := e.queue.Remove(ctx, op.ID); err != nil {
		e.reporter.Report(err, slog.String("entity", key))
	}

	// A newer local mutation owns the status and has its own queued op.
	_, err := e.store.SetSyncStatusIf(ctx, op.EntityType, op.EntityID, entity.StatusFailed, op.Payload.UpdatedAt)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", key))
	}

	e.reporter.Report(fmt.Errorf("sync: %s %s failed after %d attempts: %w", op.Operation, key, attempts, cause),
		slog.String("entity", key),
		slog.Int("attempts", attempts),
	)
}

// backoff returns the delay after the n-th failed attempt: base·2^(n-1),
// capped.
func (e *Engine) backoff(n int) time.Duration {
	d := e.baseBackoff

	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.maxBackoff {
			return e.maxBackoff
		}
	}

	return min(d, e.maxBackoff)
}

// armRetryTimer schedules a drain at the earliest future retry time.
func (e *Engine) armRetryTimer(ctx context.Context) {
	next, ok, err := e.queue.NextRetryAt(ctx)
	if err != nil {
		e.logger.Warn("reading next retry time", slog.String("error", err.Error()))
		return
	}

	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	now := e.now()
	if !ok || next <= now {
		return
	}

	delay := time.Duration(next-now) * time.Millisecond
	e.retryTimer = e.afterFunc(delay, e.kickDrain)
}

// kickDrain starts a background drain when online. Safe to call from any
// goroutine, including network monitor callbacks.
func (e *Engine) kickDrain() {
	if !e.network.Online() {
		return
	}

	e.goTracked(func(ctx context.Context) {
		if _, err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background drain failed", slog.String("error", err.Error()))
		}
	})
}
