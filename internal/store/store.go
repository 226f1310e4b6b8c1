// Package store implements the device-local durable state: the record store
// the UI reads from (with reactive observation) and the outbound sync queue.
// Both live in one SQLite database opened in WAL mode with a single
// connection, so every write transaction is serialized by the database
// itself.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/cartsync/internal/entity"
)

// ErrNotFound is returned when a record does not exist in the store.
var ErrNotFound = errors.New("store: record not found")

// SQL statements for record operations.
const (
	sqlSelectRecord = `SELECT entity_type, id, fields, updated_at, sync_status, deleted
		FROM records WHERE entity_type = ? AND id = ?`

	sqlSelectRecords = `SELECT entity_type, id, fields, updated_at, sync_status, deleted
		FROM records WHERE entity_type = ?`

	sqlUpsertRecord = `INSERT INTO records
		(entity_type, id, parent_id, fields, updated_at, sync_status, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
		 parent_id = excluded.parent_id,
		 fields = excluded.fields,
		 updated_at = excluded.updated_at,
		 sync_status = excluded.sync_status,
		 deleted = excluded.deleted`

	sqlUpdateSyncStatus = `UPDATE records SET sync_status = ? WHERE entity_type = ? AND id = ?`

	sqlDeleteRecord = `DELETE FROM records WHERE entity_type = ? AND id = ?`

	sqlCountByStatus = `SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status`
)

// Store is the sole writer to the local database. All mutating methods run
// inside a write transaction and notify observers after commit.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests

	observers *observerSet

	commits atomic.Int64
	writes  atomic.Int64
}

// Stats is a snapshot of store write counters.
type Stats struct {
	Commits int64 // committed write transactions that changed something
	Writes  int64 // records inserted, updated or removed
}

// Open opens the SQLite database at dbPath, runs migrations, and returns a
// ready-to-use store. The database uses WAL mode with synchronous=FULL for
// crash-safe durability.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store opened", slog.String("db_path", dbPath))

	return &Store{
		db:        db,
		logger:    logger,
		nowFunc:   time.Now,
		observers: newObserverSet(),
	}, nil
}

// DB exposes the shared connection so the queue can live in the same
// database and transaction discipline.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the clock used to stamp UpdatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// Now returns the store clock in milliseconds.
func (s *Store) Now() int64 {
	return s.nowFunc().UnixMilli()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns a snapshot of the write counters.
func (s *Store) Stats() Stats {
	return Stats{Commits: s.commits.Load(), Writes: s.writes.Load()}
}

// UpdateOptions controls how Update stamps the merged record. Zero values
// mean "stamp now" and "pending".
type UpdateOptions struct {
	UpdatedAt  int64
	SyncStatus entity.SyncStatus
}

// change is the before/after image of one written record, used to decide
// which observers must re-evaluate.
type change struct {
	typ    entity.Type
	before *entity.Record
	after  *entity.Record
}

// Save creates or updates a record by (type, id). A zero UpdatedAt is
// stamped with the store clock; an empty SyncStatus becomes pending.
func (s *Store) Save(ctx context.Context, rec entity.Record) (entity.Record, error) {
	var saved entity.Record

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		c, err := s.saveTx(ctx, tx, rec)
		if err != nil {
			return nil, err
		}

		saved = *c.after

		return []change{c}, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return saved, nil
}

// SaveBatch upserts many records in a single transaction. Either all of
// them commit or none do.
func (s *Store) SaveBatch(ctx context.Context, recs []entity.Record) error {
	if len(recs) == 0 {
		return nil
	}

	return s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		changes := make([]change, 0, len(recs))

		for i := range recs {
			c, err := s.saveTx(ctx, tx, recs[i])
			if err != nil {
				return nil, err
			}

			changes = append(changes, c)
		}

		return changes, nil
	})
}

// SaveIfNotNewer writes rec unless the stored copy is strictly newer. The
// comparison and the write share one transaction, so a local mutation that
// commits after the caller's own read is never overwritten by an older
// remote record. Reports whether rec was written.
func (s *Store) SaveIfNotNewer(ctx context.Context, rec entity.Record) (entity.Record, bool, error) {
	var (
		saved   entity.Record
		written bool
	)

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		c, ok, err := s.saveIfNotNewerTx(ctx, tx, rec)
		if err != nil || !ok {
			return nil, err
		}

		saved, written = *c.after, true

		return []change{c}, nil
	})
	if err != nil {
		return entity.Record{}, false, err
	}

	return saved, written, nil
}

// SaveBatchIfNotNewer is SaveIfNotNewer for many records in one
// transaction. Returns the records actually written.
func (s *Store) SaveBatchIfNotNewer(ctx context.Context, recs []entity.Record) ([]entity.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	var written []entity.Record

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		changes := make([]change, 0, len(recs))
		written = written[:0]

		for i := range recs {
			c, ok, err := s.saveIfNotNewerTx(ctx, tx, recs[i])
			if err != nil {
				return nil, err
			}

			if ok {
				changes = append(changes, c)
				written = append(written, *c.after)
			}
		}

		return changes, nil
	})
	if err != nil {
		return nil, err
	}

	return written, nil
}

// Get returns a single record, including tombstones.
func (s *Store) Get(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectRecord, string(typ), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
	}

	if err != nil {
		return entity.Record{}, err
	}

	return rec, nil
}

// Query returns every record matching the filter, ordered by id.
func (s *Store) Query(ctx context.Context, f Filter) ([]entity.Record, error) {
	nf, err := f.normalized()
	if err != nil {
		return nil, err
	}

	query := sqlSelectRecords
	args := []any{string(nf.Type)}

	if nf.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, nf.ParentID)
	}

	if !nf.IncludeDeleted {
		query += ` AND deleted = 0`
	}

	if nf.Status != "" {
		query += ` AND sync_status = ?`
		args = append(args, string(nf.Status))
	}

	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying %s: %w", nf.Type, err)
	}
	defer rows.Close()

	var out []entity.Record

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		if nf.matchesFields(rec) {
			out = append(out, rec)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s rows: %w", nf.Type, err)
	}

	return out, nil
}

// Update merges partial into an existing record. UpdatedAt is re-stamped
// unless opts supplies one; remote-origin writes always supply theirs.
func (s *Store) Update(
	ctx context.Context, typ entity.Type, id string, partial map[string]any, opts UpdateOptions,
) (entity.Record, error) {
	var saved entity.Record

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
		}

		next := before.Clone()
		next.Fields = entity.Merge(before.Fields, partial)
		next.UpdatedAt = opts.UpdatedAt

		if next.UpdatedAt == 0 {
			next.UpdatedAt = s.stampAfter(before.UpdatedAt)
		}

		next.SyncStatus = opts.SyncStatus

		c, err := s.putTx(ctx, tx, before, next)
		if err != nil {
			return nil, err
		}

		saved = *c.after

		return []change{c}, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return saved, nil
}

// SetSyncStatus changes only the local bookkeeping status. A no-op when the
// status already matches, so observers are not woken needlessly.
func (s *Store) SetSyncStatus(ctx context.Context, typ entity.Type, id string, status entity.SyncStatus) error {
	return s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
		}

		if before.SyncStatus == status {
			return nil, nil
		}

		if _, err := tx.ExecContext(ctx, sqlUpdateSyncStatus, string(status), string(typ), id); err != nil {
			return nil, fmt.Errorf("store: setting sync status for %s/%s: %w", typ, id, err)
		}

		after := before.Clone()
		after.SyncStatus = status

		return []change{{typ: typ, before: before, after: &after}}, nil
	})
}

// SetSyncStatusIf changes the status only while the stored record still
// carries updatedAt. A newer mutation committed in the meantime keeps its
// own status. Reports whether the status was applied.
func (s *Store) SetSyncStatusIf(
	ctx context.Context, typ entity.Type, id string, status entity.SyncStatus, updatedAt int64,
) (bool, error) {
	applied := false

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil || before.UpdatedAt != updatedAt {
			return nil, nil
		}

		applied = true

		if before.SyncStatus == status {
			return nil, nil
		}

		if _, err := tx.ExecContext(ctx, sqlUpdateSyncStatus, string(status), string(typ), id); err != nil {
			return nil, fmt.Errorf("store: setting sync status for %s/%s: %w", typ, id, err)
		}

		after := before.Clone()
		after.SyncStatus = status

		return []change{{typ: typ, before: before, after: &after}}, nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// Delete removes a record according to its type's policy: tombstone types
// are marked deleted (and re-stamped, pending), others are removed. The
// returned record is the final state to push to the remote store.
func (s *Store) Delete(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	var final entity.Record

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, typ, id)
		}

		policy := entity.PolicyFor(typ)
		if !policy.Tombstone {
			if _, err := tx.ExecContext(ctx, sqlDeleteRecord, string(typ), id); err != nil {
				return nil, fmt.Errorf("store: deleting %s/%s: %w", typ, id, err)
			}

			final = before.Clone()
			final.Deleted = true
			final.UpdatedAt = s.stampAfter(before.UpdatedAt)
			final.SyncStatus = entity.StatusPending

			return []change{{typ: typ, before: before}}, nil
		}

		next := before.Clone()
		if policy.TombstoneField != "" {
			next.Fields[policy.TombstoneField] = policy.TombstoneValue
		}

		next.Deleted = true
		next.UpdatedAt = s.stampAfter(before.UpdatedAt)
		next.SyncStatus = entity.StatusPending

		c, err := s.putTx(ctx, tx, before, next)
		if err != nil {
			return nil, err
		}

		final = *c.after

		return []change{c}, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return final, nil
}

// Remove hard-deletes a record regardless of policy. Used for remote-origin
// removals. Removing an absent record is a no-op.
func (s *Store) Remove(ctx context.Context, typ entity.Type, id string) error {
	return s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil {
			return nil, nil
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteRecord, string(typ), id); err != nil {
			return nil, fmt.Errorf("store: removing %s/%s: %w", typ, id, err)
		}

		return []change{{typ: typ, before: before}}, nil
	})
}

// RemoveIfNotNewer is Remove guarded like SaveIfNotNewer: a stored copy
// stamped after removedAt survives. Reports whether a row was removed.
func (s *Store) RemoveIfNotNewer(ctx context.Context, typ entity.Type, id string, removedAt int64) (bool, error) {
	removed := false

	err := s.write(ctx, func(tx *sql.Tx) ([]change, error) {
		before, err := getTx(ctx, tx, typ, id)
		if err != nil {
			return nil, err
		}

		if before == nil || before.UpdatedAt > removedAt {
			return nil, nil
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteRecord, string(typ), id); err != nil {
			return nil, fmt.Errorf("store: removing %s/%s: %w", typ, id, err)
		}

		removed = true

		return []change{{typ: typ, before: before}}, nil
	})
	if err != nil {
		return false, err
	}

	return removed, nil
}

// CountByStatus returns the number of records per sync status.
func (s *Store) CountByStatus(ctx context.Context) (map[entity.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, sqlCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("store: counting by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[entity.SyncStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scanning status count: %w", err)
		}

		counts[entity.SyncStatus(status)] = n
	}

	return counts, rows.Err()
}

// write runs fn in a write transaction, commits, then updates counters and
// notifies observers. A failed fn rolls back and leaves the store usable.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) ([]change, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	changes, err := fn(tx)
	if err != nil {
		return err
	}

	if len(changes) == 0 {
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	s.commits.Add(1)
	s.writes.Add(int64(len(changes)))

	s.observers.notify(changes)

	return nil
}

// saveTx normalizes, validates and upserts rec inside tx.
func (s *Store) saveTx(ctx context.Context, tx *sql.Tx, rec entity.Record) (change, error) {
	before, err := getTx(ctx, tx, rec.Type, rec.ID)
	if err != nil {
		return change{}, err
	}

	next := rec.Clone()
	if next.UpdatedAt == 0 {
		var prev int64
		if before != nil {
			prev = before.UpdatedAt
		}

		next.UpdatedAt = s.stampAfter(prev)
	}

	return s.putTx(ctx, tx, before, next)
}

// saveIfNotNewerTx upserts rec unless the row read inside tx is strictly
// newer. ok is false when the write was skipped.
func (s *Store) saveIfNotNewerTx(ctx context.Context, tx *sql.Tx, rec entity.Record) (change, bool, error) {
	before, err := getTx(ctx, tx, rec.Type, rec.ID)
	if err != nil {
		return change{}, false, err
	}

	if before != nil && before.UpdatedAt > rec.UpdatedAt {
		return change{}, false, nil
	}

	next := rec.Clone()
	if next.UpdatedAt == 0 {
		next.UpdatedAt = s.stampAfter(0)
	}

	c, err := s.putTx(ctx, tx, before, next)

	return c, err == nil, err
}

// putTx writes next over before (which may be nil).
func (s *Store) putTx(ctx context.Context, tx *sql.Tx, before *entity.Record, next entity.Record) (change, error) {
	fields, err := entity.Normalize(next.Fields)
	if err != nil {
		return change{}, err
	}

	next.Fields = fields

	if next.SyncStatus == "" {
		next.SyncStatus = entity.StatusPending
	}

	if err := entity.Validate(next); err != nil {
		return change{}, fmt.Errorf("store: %w", err)
	}

	data, err := json.Marshal(next.Fields)
	if err != nil {
		return change{}, fmt.Errorf("store: encoding %s/%s: %w", next.Type, next.ID, err)
	}

	_, err = tx.ExecContext(ctx, sqlUpsertRecord,
		string(next.Type), next.ID, nullString(next.ParentID()),
		string(data), next.UpdatedAt, string(next.SyncStatus), boolInt(next.Deleted),
	)
	if err != nil {
		return change{}, fmt.Errorf("store: upserting %s/%s: %w", next.Type, next.ID, err)
	}

	return change{typ: next.Type, before: before, after: &next}, nil
}

// stampAfter returns the current clock in milliseconds, bumped past prev so
// a local mutation is always strictly newer than the state it replaces.
func (s *Store) stampAfter(prev int64) int64 {
	now := s.Now()
	if now <= prev {
		return prev + 1
	}

	return now
}

// getTx reads a record inside tx. Returns (nil, nil) when absent.
func getTx(ctx context.Context, tx *sql.Tx, typ entity.Type, id string) (*entity.Record, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, sqlSelectRecord, string(typ), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent is not an error inside a transaction
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (entity.Record, error) {
	var (
		rec     entity.Record
		typ     string
		fields  string
		status  string
		deleted int
	)

	if err := row.Scan(&typ, &rec.ID, &fields, &rec.UpdatedAt, &status, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Record{}, err
		}

		return entity.Record{}, fmt.Errorf("store: scanning record: %w", err)
	}

	rec.Type = entity.Type(typ)
	rec.Deleted = deleted != 0

	parsed, err := entity.ParseSyncStatus(status)
	if err != nil {
		return entity.Record{}, err
	}

	rec.SyncStatus = parsed

	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return entity.Record{}, fmt.Errorf("store: decoding fields of %s/%s: %w", typ, rec.ID, err)
	}

	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}

	return rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
