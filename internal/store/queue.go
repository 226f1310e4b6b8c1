package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cartsync/internal/entity"
)

// Queue is the durable FIFO of outbound operations. It shares the local
// store's *sql.DB (sole-writer via SetMaxOpenConns(1)). The lifecycle is:
//
//	Enqueue → ListPending → DequeueSuccessful | Reschedule | Remove
//
// The queue holds at most one entry per (entity type, entity id). Enqueueing
// for an entity that already has an entry coalesces into it: the payload is
// replaced with the newer snapshot, the operations are merged, and the
// original FIFO position and retry state are kept. Every coalesce bumps the
// entry's version so a drain that pushed an older snapshot cannot dequeue
// the newer one.

// Operation is the remote write a queued entry describes.
type Operation string

// Queue operations as stored in the operation column.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation converts a database TEXT value to Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(s), nil
	default:
		return "", fmt.Errorf("store: unknown queue operation %q", s)
	}
}

// QueuedOp is one pending outbound operation. Payload is the full record
// snapshot at enqueue time, never a diff.
type QueuedOp struct {
	ID          string
	EntityType  entity.Type
	EntityID    string
	Operation   Operation
	Payload     entity.Record
	Timestamp   int64 // enqueue time, ms
	RetryCount  int
	NextRetryAt int64 // ms; 0 means due now
	LastError   string
	Version     int64
}

// Due reports whether the entry may be attempted at now (ms).
func (op *QueuedOp) Due(now int64) bool {
	return op.NextRetryAt <= now
}

// ErrOpNotFound is returned when a queue entry no longer exists.
var ErrOpNotFound = errors.New("store: queued operation not found")

const (
	sqlQueueSelectCols = `id, entity_type, entity_id, operation, payload, timestamp,
		retry_count, next_retry_at, last_error, version`

	sqlQueueByEntity = `SELECT ` + sqlQueueSelectCols + `
		FROM sync_queue WHERE entity_type = ? AND entity_id = ?`

	sqlQueueList = `SELECT ` + sqlQueueSelectCols + `
		FROM sync_queue ORDER BY timestamp, seq`

	sqlQueueInsert = `INSERT INTO sync_queue
		(id, entity_type, entity_id, operation, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlQueueCoalesce = `UPDATE sync_queue
		SET operation = ?, payload = ?, version = version + 1
		WHERE id = ?`

	sqlQueueDequeue = `DELETE FROM sync_queue WHERE id = ? AND version = ?`

	sqlQueueRemove = `DELETE FROM sync_queue WHERE id = ?`

	sqlQueueReschedule = `UPDATE sync_queue
		SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`

	sqlQueueCount = `SELECT COUNT(*) FROM sync_queue`

	sqlQueueNextRetry = `SELECT MIN(next_retry_at) FROM sync_queue`
)

// Queue manages the sync_queue table.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewQueue creates a Queue that shares the given database connection.
func NewQueue(db *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger, nowFunc: time.Now}
}

// SetClock replaces the clock used to stamp enqueue time.
func (q *Queue) SetClock(now func() time.Time) {
	q.nowFunc = now
}

// mergeOperations returns the operation a coalesced entry must perform.
// A create followed by updates is still a create; a delete always wins.
func mergeOperations(queued, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case queued == OpCreate && next == OpUpdate:
		return OpCreate
	default:
		return next
	}
}

// Enqueue appends op, or coalesces it into the entity's existing entry.
// Returns the entry as stored.
func (q *Queue) Enqueue(ctx context.Context, op QueuedOp) (QueuedOp, error) {
	if op.EntityID == "" || op.EntityType == "" {
		return QueuedOp{}, fmt.Errorf("store: enqueue: missing entity identity")
	}

	if _, err := ParseOperation(string(op.Operation)); err != nil {
		return QueuedOp{}, err
	}

	payload, err := encodePayload(op.Payload)
	if err != nil {
		return QueuedOp{}, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return QueuedOp{}, fmt.Errorf("store: queue begin enqueue: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanOp(tx.QueryRowContext(ctx, sqlQueueByEntity, string(op.EntityType), op.EntityID))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if op.ID == "" {
			op.ID = uuid.NewString()
		}

		if op.Timestamp == 0 {
			op.Timestamp = q.nowFunc().UnixMilli()
		}

		_, err = tx.ExecContext(ctx, sqlQueueInsert,
			op.ID, string(op.EntityType), op.EntityID, string(op.Operation), payload, op.Timestamp)
		if err != nil {
			return QueuedOp{}, fmt.Errorf("store: queue insert %s/%s: %w", op.EntityType, op.EntityID, err)
		}

		op.RetryCount, op.NextRetryAt, op.LastError, op.Version = 0, 0, "", 1
	case err != nil:
		return QueuedOp{}, err
	default:
		merged := mergeOperations(existing.Operation, op.Operation)

		if _, err := tx.ExecContext(ctx, sqlQueueCoalesce, string(merged), payload, existing.ID); err != nil {
			return QueuedOp{}, fmt.Errorf("store: queue coalesce %s/%s: %w", op.EntityType, op.EntityID, err)
		}

		existing.Operation = merged
		existing.Payload = op.Payload
		existing.Version++
		op = existing

		q.logger.Debug("coalesced queued operation",
			slog.String("op_id", op.ID),
			slog.String("entity", string(op.EntityType)+"/"+op.EntityID),
			slog.String("operation", string(op.Operation)),
		)
	}

	if err := tx.Commit(); err != nil {
		return QueuedOp{}, fmt.Errorf("store: queue commit enqueue: %w", err)
	}

	return op, nil
}

// ListPending returns every entry in FIFO order (enqueue timestamp, then
// insertion order).
func (q *Queue) ListPending(ctx context.Context) ([]QueuedOp, error) {
	rows, err := q.db.QueryContext(ctx, sqlQueueList)
	if err != nil {
		return nil, fmt.Errorf("store: queue list: %w", err)
	}
	defer rows.Close()

	var ops []QueuedOp

	for rows.Next() {
		op, scanErr := scanOp(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: queue iterating rows: %w", err)
	}

	return ops, nil
}

// PendingFor returns the entity's queue entry, or nil when it has none.
func (q *Queue) PendingFor(ctx context.Context, typ entity.Type, id string) (*QueuedOp, error) {
	op, err := scanOp(q.db.QueryRowContext(ctx, sqlQueueByEntity, string(typ), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &op, nil
}

// DequeueSuccessful removes an entry after its remote write succeeded.
// Returns false when the entry was coalesced with a newer snapshot after
// version was read; the newer snapshot stays queued.
func (q *Queue) DequeueSuccessful(ctx context.Context, id string, version int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, sqlQueueDequeue, id, version)
	if err != nil {
		return false, fmt.Errorf("store: queue dequeue %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: queue dequeue %s rows affected: %w", id, err)
	}

	return n > 0, nil
}

// Remove deletes an entry unconditionally (terminal failure).
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, sqlQueueRemove, id); err != nil {
		return fmt.Errorf("store: queue remove %s: %w", id, err)
	}

	return nil
}

// Reschedule records a failed attempt.
func (q *Queue) Reschedule(ctx context.Context, id string, retryCount int, nextRetryAt int64, lastErr string) error {
	res, err := q.db.ExecContext(ctx, sqlQueueReschedule, retryCount, nextRetryAt, nullString(lastErr), id)
	if err != nil {
		return fmt.Errorf("store: queue reschedule %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrOpNotFound, id)
	}

	return nil
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, sqlQueueCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: queue count: %w", err)
	}

	return n, nil
}

// NextRetryAt returns the earliest scheduled attempt time, or false when
// the queue is empty.
func (q *Queue) NextRetryAt(ctx context.Context) (int64, bool, error) {
	var next sql.NullInt64
	if err := q.db.QueryRowContext(ctx, sqlQueueNextRetry).Scan(&next); err != nil {
		return 0, false, fmt.Errorf("store: queue next retry: %w", err)
	}

	return next.Int64, next.Valid, nil
}

// queuePayload is the JSON form of a record snapshot in the payload column.
type queuePayload struct {
	ID        string         `json:"id"`
	Type      entity.Type    `json:"type"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt int64          `json:"updated_at"`
	Deleted   bool           `json:"deleted,omitempty"`
}

func encodePayload(rec entity.Record) (string, error) {
	data, err := json.Marshal(queuePayload{
		ID: rec.ID, Type: rec.Type, Fields: rec.Fields, UpdatedAt: rec.UpdatedAt, Deleted: rec.Deleted,
	})
	if err != nil {
		return "", fmt.Errorf("store: encoding queue payload for %s/%s: %w", rec.Type, rec.ID, err)
	}

	return string(data), nil
}

func decodePayload(raw string) (entity.Record, error) {
	var p queuePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return entity.Record{}, fmt.Errorf("store: decoding queue payload: %w", err)
	}

	if p.Fields == nil {
		p.Fields = map[string]any{}
	}

	return entity.Record{
		ID: p.ID, Type: p.Type, Fields: p.Fields, UpdatedAt: p.UpdatedAt,
		Deleted: p.Deleted, SyncStatus: entity.StatusPending,
	}, nil
}

func scanOp(row rowScanner) (QueuedOp, error) {
	var (
		op        QueuedOp
		typ       string
		operation string
		payload   string
		lastErr   sql.NullString
	)

	err := row.Scan(&op.ID, &typ, &op.EntityID, &operation, &payload, &op.Timestamp,
		&op.RetryCount, &op.NextRetryAt, &lastErr, &op.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QueuedOp{}, err
		}

		return QueuedOp{}, fmt.Errorf("store: scanning queue row: %w", err)
	}

	op.EntityType = entity.Type(typ)
	op.LastError = lastErr.String

	if op.Operation, err = ParseOperation(operation); err != nil {
		return QueuedOp{}, err
	}

	if op.Payload, err = decodePayload(payload); err != nil {
		return QueuedOp{}, err
	}

	return op, nil
}
