// Package sync implements the offline-first synchronization engine: the
// push path, queue drain, remote listeners with echo suppression, the
// conflict resolver, and list locking. The engine is an explicit handle
// constructed once per process; it owns the registry of active listeners.
package sync

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
)

// --- Consumer-defined interfaces ---
// These decouple the engine from the concrete store, queue and monitor,
// following the "accept interfaces, return structs" Go convention.

// LocalStore is the durable record store. Satisfied by *store.Store.
type LocalStore interface {
	Save(ctx context.Context, rec entity.Record) (entity.Record, error)
	SaveIfNotNewer(ctx context.Context, rec entity.Record) (entity.Record, bool, error)
	SaveBatchIfNotNewer(ctx context.Context, recs []entity.Record) ([]entity.Record, error)
	Get(ctx context.Context, typ entity.Type, id string) (entity.Record, error)
	Query(ctx context.Context, f store.Filter) ([]entity.Record, error)
	Update(ctx context.Context, typ entity.Type, id string, partial map[string]any, opts store.UpdateOptions) (entity.Record, error)
	SetSyncStatusIf(ctx context.Context, typ entity.Type, id string, status entity.SyncStatus, updatedAt int64) (bool, error)
	Delete(ctx context.Context, typ entity.Type, id string) (entity.Record, error)
	RemoveIfNotNewer(ctx context.Context, typ entity.Type, id string, removedAt int64) (bool, error)
	CountByStatus(ctx context.Context) (map[entity.SyncStatus]int, error)
}

// OpQueue is the durable outbound queue. Satisfied by *store.Queue.
type OpQueue interface {
	Enqueue(ctx context.Context, op store.QueuedOp) (store.QueuedOp, error)
	ListPending(ctx context.Context) ([]store.QueuedOp, error)
	PendingFor(ctx context.Context, typ entity.Type, id string) (*store.QueuedOp, error)
	DequeueSuccessful(ctx context.Context, id string, version int64) (bool, error)
	Reschedule(ctx context.Context, id string, retryCount int, nextRetryAt int64, lastErr string) error
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	NextRetryAt(ctx context.Context) (int64, bool, error)
}

// Network reports reachability. Satisfied by *netmon.Monitor.
type Network interface {
	Online() bool
	OnReconnect(fn func())
}

// ErrorReporter receives background failures that have no caller to
// return to: malformed remote records and terminally failed pushes.
type ErrorReporter interface {
	Report(err error, attrs ...slog.Attr)
}

// logReporter is the default ErrorReporter: a Warn log line per report.
type logReporter struct {
	logger *slog.Logger
}

func (r logReporter) Report(err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("error", err.Error()))

	for _, a := range attrs {
		args = append(args, a)
	}

	r.logger.Warn("sync error reported", args...)
}
