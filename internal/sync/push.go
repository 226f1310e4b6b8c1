package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
)

// CreateRecord stores a new record with a fresh id and pushes it in the
// background.
func (e *Engine) CreateRecord(ctx context.Context, typ entity.Type, fields map[string]any) (entity.Record, error) {
	return e.SaveRecord(ctx, entity.Record{ID: uuid.NewString(), Type: typ, Fields: fields})
}

// SaveRecord stores rec as a local mutation (stamped now, pending) and
// pushes it in the background. Used for creates with caller-chosen ids.
func (e *Engine) SaveRecord(ctx context.Context, rec entity.Record) (entity.Record, error) {
	rec.UpdatedAt = 0
	rec.SyncStatus = entity.StatusPending

	saved, err := e.store.Save(ctx, rec)
	if err != nil {
		return entity.Record{}, fmt.Errorf("sync: saving %s: %w", rec.Type, err)
	}

	e.schedulePush(store.OpCreate, saved)

	return saved, nil
}

// UpdateRecord merges partial into an existing record and pushes the result
// in the background. A nil value in partial removes the field.
func (e *Engine) UpdateRecord(ctx context.Context, typ entity.Type, id string, partial map[string]any) (entity.Record, error) {
	saved, err := e.store.Update(ctx, typ, id, partial, store.UpdateOptions{SyncStatus: entity.StatusPending})
	if err != nil {
		return entity.Record{}, fmt.Errorf("sync: updating %s/%s: %w", typ, id, err)
	}

	e.schedulePush(store.OpUpdate, saved)

	return saved, nil
}

// DeleteRecord deletes a record per its type's policy and pushes the
// deletion in the background.
func (e *Engine) DeleteRecord(ctx context.Context, typ entity.Type, id string) error {
	final, err := e.store.Delete(ctx, typ, id)
	if err != nil {
		return fmt.Errorf("sync: deleting %s/%s: %w", typ, id, err)
	}

	e.schedulePush(store.OpDelete, final)

	return nil
}

// schedulePush runs push in a tracked goroutine. After Close the mutation
// is queued synchronously instead so it is not lost.
func (e *Engine) schedulePush(op store.Operation, rec entity.Record) {
	if e.goTracked(func(ctx context.Context) { e.push(ctx, op, rec) }) {
		return
	}

	if _, err := e.queue.Enqueue(context.Background(), store.QueuedOp{
		EntityType: rec.Type, EntityID: rec.ID, Operation: op, Payload: rec,
	}); err != nil {
		e.reporter.Report(fmt.Errorf("sync: queueing after close: %w", err),
			slog.String("entity", entityKey(rec.Type, rec.ID)))
	}
}

// push delivers one local mutation. The record is re-read under the entity
// lock so the newest local state is what goes out; a push that finds the
// record already synced was overtaken by a later one and does nothing.
func (e *Engine) push(ctx context.Context, op store.Operation, snapshot entity.Record) {
	key := entityKey(snapshot.Type, snapshot.ID)

	unlock := e.locks.lock(key)
	defer unlock()

	payload, op, ok := e.currentPayload(ctx, op, snapshot)
	if !ok {
		return
	}

	queued, err := e.queue.PendingFor(ctx, payload.Type, payload.ID)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", key))
		return
	}

	if queued != nil {
		// Never leapfrog an older queued write: coalesce and let the drain
		// deliver it in order.
		e.enqueue(ctx, op, payload)
		e.kickDrain()

		return
	}

	if !e.network.Online() {
		e.enqueue(ctx, op, payload)
		return
	}

	e.pushes.Add(1)

	if err := e.writeRemote(ctx, op, payload); err != nil {
		e.pushErrors.Add(1)
		e.logger.Info("push failed, queueing",
			slog.String("entity", key),
			slog.String("operation", string(op)),
			slog.String("error", err.Error()),
		)

		e.enqueue(ctx, op, payload)

		return
	}

	e.markSynced(ctx, payload)
}

// currentPayload resolves what push should send. ok is false when there is
// nothing left to do.
func (e *Engine) currentPayload(
	ctx context.Context, op store.Operation, snapshot entity.Record,
) (entity.Record, store.Operation, bool) {
	current, err := e.store.Get(ctx, snapshot.Type, snapshot.ID)

	switch {
	case errors.Is(err, store.ErrNotFound):
		// Hard-deleted locally. Only the delete's own push carries it.
		if op != store.OpDelete {
			return entity.Record{}, op, false
		}

		return snapshot, store.OpDelete, true
	case err != nil:
		e.reporter.Report(err, slog.String("entity", entityKey(snapshot.Type, snapshot.ID)))
		return entity.Record{}, op, false
	case current.SyncStatus != entity.StatusPending:
		return entity.Record{}, op, false
	case current.Deleted:
		return current, store.OpDelete, true
	default:
		return current, op, true
	}
}

// enqueue stores a full snapshot for the drain.
func (e *Engine) enqueue(ctx context.Context, op store.Operation, payload entity.Record) {
	if _, err := e.queue.Enqueue(ctx, store.QueuedOp{
		EntityType: payload.Type,
		EntityID:   payload.ID,
		Operation:  op,
		Payload:    payload,
	}); err != nil {
		e.reporter.Report(fmt.Errorf("sync: queueing %s: %w", op, err),
			slog.String("entity", entityKey(payload.Type, payload.ID)))
	}
}

// writeRemote performs the single remote write for op: Set of the full
// document for creates, updates and tombstones; Remove for hard deletes.
func (e *Engine) writeRemote(ctx context.Context, op store.Operation, payload entity.Record) error {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	path := e.entityPath(payload.Type, payload.ID)

	if op == store.OpDelete && !entity.PolicyFor(payload.Type).Tombstone {
		return e.remote.Remove(ctx, path)
	}

	return e.remote.Set(ctx, path, encodeRecord(payload))
}

// markSynced flips the record to synced if it still holds the pushed
// state. A newer local mutation keeps it pending for its own push.
func (e *Engine) markSynced(ctx context.Context, pushed entity.Record) {
	_, err := e.store.SetSyncStatusIf(ctx, pushed.Type, pushed.ID, entity.StatusSynced, pushed.UpdatedAt)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", entityKey(pushed.Type, pushed.ID)))
	}
}
