package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/remotepath"
	"github.com/tonimelisma/cartsync/internal/store"
)

// Collection identifies what a listener mirrors: every record of Type, or
// with ParentID set, the records whose parent field equals it (the items
// of one list).
type Collection struct {
	Type     entity.Type
	ParentID string
}

// Key is the registry key, "type/parentID".
func (c Collection) Key() string {
	return string(c.Type) + "/" + c.ParentID
}

func (c Collection) validate() error {
	if _, err := entity.ParseType(string(c.Type)); err != nil {
		return fmt.Errorf("sync: watch: %w", err)
	}

	if c.ParentID != "" && entity.PolicyFor(c.Type).ParentField == "" {
		return fmt.Errorf("sync: watch: %s has no parent field", c.Type)
	}

	return nil
}

func (c Collection) query() remote.Query {
	if c.ParentID == "" {
		return remote.Query{}
	}

	return remote.Query{Field: entity.PolicyFor(c.Type).ParentField, Equals: c.ParentID}
}

func (c Collection) filter() store.Filter {
	f := store.Filter{Type: c.Type, IncludeDeleted: true}
	if c.ParentID != "" {
		f.ParentID = c.ParentID
	}

	return f
}

// ListenerStats counts what a listener did with the records it received.
type ListenerStats struct {
	CatchUpWrites int64 // records written by the initial catch-up
	StreamWrites  int64 // records written from the live stream
	SkippedStale  int64 // local copy was newer
	SkippedNoop   int64 // identical to the local copy
	Malformed     int64 // undecodable documents skipped
	Duplicates    int64 // stream re-deliveries of catch-up documents
	Removals      int64 // local records removed after a remote removal
	Degraded      bool  // catch-up failed; attached to live events only
}

// Subscription is a running listener. It is returned by Watch and shared by
// every Watch of the same collection until Unsubscribe.
type Subscription struct {
	engine *Engine
	coll   Collection
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce stdsync.Once

	mu         stdsync.Mutex
	canceled   bool
	unsub      func()
	stopOnDone func() bool // releases the Watch caller's ctx registration

	// Set by the catch-up before the stream attaches; read-only afterwards.
	initialIDs map[string]struct{}
	since      int64

	catchUpWrites atomic.Int64
	streamWrites  atomic.Int64
	skippedStale  atomic.Int64
	skippedNoop   atomic.Int64
	malformed     atomic.Int64
	duplicates    atomic.Int64
	removals      atomic.Int64
	degraded      atomic.Bool
}

// Watch starts mirroring coll into the local store: a one-shot catch-up
// query written in a single batch, then a live subscription that resumes
// from the catch-up's server time. Watching an already-watched collection
// returns the existing subscription. The listener stops when ctx is done,
// on Unsubscribe, or on Close.
func (e *Engine) Watch(ctx context.Context, coll Collection) (*Subscription, error) {
	if err := coll.validate(); err != nil {
		return nil, err
	}

	key := coll.Key()

	e.watchMu.Lock()
	if s, ok := e.watches[key]; ok {
		e.watchMu.Unlock()
		return s, nil
	}

	sctx, cancel := context.WithCancel(e.bgCtx)
	s := &Subscription{
		engine:     e,
		coll:       coll,
		logger:     e.logger.With(slog.String("collection", key)),
		ctx:        sctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		initialIDs: make(map[string]struct{}),
	}
	e.watches[key] = s
	e.watchMu.Unlock()

	if !e.goTracked(s.run) {
		s.Unsubscribe()
		return nil, errors.New("sync: watch: engine closed")
	}

	stop := context.AfterFunc(ctx, s.Unsubscribe)

	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		stop()

		return s, nil
	}

	s.stopOnDone = stop
	s.mu.Unlock()

	return s, nil
}

// Watches returns the collections currently being listened to.
func (e *Engine) Watches() []Collection {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	out := make([]Collection, 0, len(e.watches))
	for _, s := range e.watches {
		out = append(out, s.coll)
	}

	return out
}

// Collection returns what the subscription mirrors.
func (s *Subscription) Collection() Collection { return s.coll }

// Ready is closed once the live stream is attached, or the subscription
// has ended.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Stats returns the listener's counters.
func (s *Subscription) Stats() ListenerStats {
	return ListenerStats{
		CatchUpWrites: s.catchUpWrites.Load(),
		StreamWrites:  s.streamWrites.Load(),
		SkippedStale:  s.skippedStale.Load(),
		SkippedNoop:   s.skippedNoop.Load(),
		Malformed:     s.malformed.Load(),
		Duplicates:    s.duplicates.Load(),
		Removals:      s.removals.Load(),
		Degraded:      s.degraded.Load(),
	}
}

// Unsubscribe stops the listener at whatever phase it is in. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}

	s.canceled = true
	unsub, stop := s.unsub, s.stopOnDone
	s.unsub, s.stopOnDone = nil, nil
	s.mu.Unlock()

	s.cancel()

	if stop != nil {
		stop()
	}

	if unsub != nil {
		unsub()
	}

	e := s.engine
	e.watchMu.Lock()
	if e.watches[s.coll.Key()] == s {
		delete(e.watches, s.coll.Key())
	}
	e.watchMu.Unlock()

	s.markReady()
	s.logger.Debug("listener stopped")
}

func (s *Subscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// run is the listener body: catch-up, then attach the stream.
func (s *Subscription) run(_ context.Context) {
	ctx := s.ctx
	e := s.engine
	path := remotepath.Collection(e.group, s.coll.Type)

	s.since = remote.LiveOnly

	snap, err := e.remote.QueryRange(ctx, path, s.coll.query())

	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		s.degraded.Store(true)
		s.logger.Warn("catch-up query failed, listening for live changes only",
			slog.String("error", err.Error()),
		)
	default:
		s.since = snap.ServerTime
		if !s.catchUp(ctx, snap) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	unsub, err := e.remote.Subscribe(ctx, path, s.coll.query(), s.since, s.handle)
	if err != nil {
		if ctx.Err() == nil {
			e.reporter.Report(fmt.Errorf("sync: subscribing to %s: %w", s.coll.Key(), err))
		}

		s.Unsubscribe()

		return
	}

	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		unsub()

		return
	}

	s.unsub = unsub
	s.mu.Unlock()

	s.markReady()
	s.logger.Debug("listener attached", slog.Int64("since", s.since))
}

// catchUp applies the initial snapshot with one batch write. Returns false
// when the listener was canceled before the write.
func (s *Subscription) catchUp(ctx context.Context, snap remote.Snapshot) bool {
	e := s.engine

	batch := make([]entity.Record, 0, len(snap.Entries))

	for _, entry := range snap.Entries {
		s.initialIDs[entry.Key] = struct{}{}

		rec, ok := s.decode(entry)
		if !ok {
			continue
		}

		local, err := e.localRecord(ctx, rec.Type, rec.ID)
		if err != nil {
			e.reporter.Report(err, slog.String("entity", entityKey(rec.Type, rec.ID)))
			continue
		}

		if s.count(Resolve(local, rec), local, rec) {
			batch = append(batch, persistable(rec))
		}
	}

	if ctx.Err() != nil {
		return false
	}

	var written []entity.Record

	if len(batch) > 0 {
		var err error

		// Local edits may have committed since the reads above; the store
		// re-checks each record inside the batch transaction.
		written, err = e.store.SaveBatchIfNotNewer(ctx, batch)
		if err != nil {
			e.reporter.Report(fmt.Errorf("sync: catch-up write for %s: %w", s.coll.Key(), err))
			return ctx.Err() == nil
		}

		s.catchUpWrites.Add(int64(len(written)))
		s.skippedStale.Add(int64(len(batch) - len(written)))

		for i := range written {
			e.dropSuperseded(ctx, written[i])
		}
	}

	s.logger.Info("catch-up complete",
		slog.Int("received", len(snap.Entries)),
		slog.Int("written", len(written)),
	)

	return true
}

// handle processes one stream event. Events for a subscription arrive in
// order on a single goroutine.
func (s *Subscription) handle(ev remote.Event) {
	ctx := s.ctx
	if ctx.Err() != nil {
		return
	}

	if ev.Kind == remote.EventAdded && ev.Entry.ServerTime <= s.since {
		if _, seen := s.initialIDs[ev.Entry.Key]; seen {
			s.duplicates.Add(1)
			return
		}
	}

	if ev.Kind == remote.EventRemoved {
		s.handleRemoval(ctx, ev.Entry)
		return
	}

	rec, ok := s.decode(ev.Entry)
	if !ok {
		return
	}

	e := s.engine

	unlock := e.locks.lock(entityKey(rec.Type, rec.ID))
	defer unlock()

	local, err := e.localRecord(ctx, rec.Type, rec.ID)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", entityKey(rec.Type, rec.ID)))
		return
	}

	if !s.count(Resolve(local, rec), local, rec) || ctx.Err() != nil {
		return
	}

	_, written, err := e.store.SaveIfNotNewer(ctx, persistable(rec))
	if err != nil {
		e.reporter.Report(fmt.Errorf("sync: applying remote %s: %w", entityKey(rec.Type, rec.ID), err))
		return
	}

	if !written {
		s.skippedStale.Add(1)
		return
	}

	s.streamWrites.Add(1)
	e.dropSuperseded(ctx, rec)
}

// handleRemoval deletes the local copy of a removed remote document unless
// the local copy is newer or has already moved out of this collection.
func (s *Subscription) handleRemoval(ctx context.Context, entry remote.Entry) {
	e := s.engine
	typ := s.coll.Type
	key := entityKey(typ, entry.Key)

	unlock := e.locks.lock(key)
	defer unlock()

	local, err := e.localRecord(ctx, typ, entry.Key)
	if err != nil {
		e.reporter.Report(err, slog.String("entity", key))
		return
	}

	if local == nil {
		return
	}

	removedAt, _ := stampValue(entry.Value[docKeyUpdatedAt])
	if local.UpdatedAt > removedAt {
		s.skippedStale.Add(1)
		return
	}

	if !s.coll.filter().Matches(*local) {
		return
	}

	if ctx.Err() != nil {
		return
	}

	removed, err := e.store.RemoveIfNotNewer(ctx, typ, entry.Key, removedAt)
	if err != nil {
		e.reporter.Report(fmt.Errorf("sync: applying remote removal of %s: %w", key, err))
		return
	}

	if !removed {
		s.skippedStale.Add(1)
		return
	}

	s.removals.Add(1)

	if op, err := e.queue.PendingFor(ctx, typ, entry.Key); err == nil && op != nil {
		if err := e.queue.Remove(ctx, op.ID); err != nil {
			e.reporter.Report(err, slog.String("entity", key))
		}
	}
}

// decode converts an entry, counting and reporting malformed documents.
func (s *Subscription) decode(entry remote.Entry) (entity.Record, bool) {
	e := s.engine
	key := entityKey(s.coll.Type, entry.Key)

	rec, err := decodeEntry(s.coll.Type, entry)
	if err != nil {
		s.malformed.Add(1)
		e.malformed.recordFailure(key, err.Error())
		e.reporter.Report(err, slog.String("entity", key))

		return entity.Record{}, false
	}

	e.malformed.recordSuccess(key)

	return rec, true
}

// count records a resolver decision and reports whether to write.
func (s *Subscription) count(d Decision, local *entity.Record, incoming entity.Record) bool {
	switch d {
	case DecisionSkipStale:
		s.skippedStale.Add(1)
		s.logger.Debug("remote record older than local copy",
			slog.String("id", incoming.ID),
			slog.Int64("local_updated_at", local.UpdatedAt),
			slog.Int64("remote_updated_at", incoming.UpdatedAt),
		)

		return false
	case DecisionSkipNoop:
		s.skippedNoop.Add(1)
		return false
	default:
		if local != nil {
			s.logger.Debug("applying remote change",
				slog.String("id", incoming.ID),
				slog.Any("changed", entity.ChangedFields(local.Fields, incoming.Fields)),
			)
		}

		return true
	}
}

// localRecord returns the stored record, or nil when absent.
func (e *Engine) localRecord(ctx context.Context, typ entity.Type, id string) (*entity.Record, error) {
	rec, err := e.store.Get(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// dropSuperseded removes a queued op whose payload is older than a remote
// record just applied over it.
func (e *Engine) dropSuperseded(ctx context.Context, applied entity.Record) {
	op, err := e.queue.PendingFor(ctx, applied.Type, applied.ID)
	if err != nil || op == nil {
		return
	}

	if op.Payload.UpdatedAt > applied.UpdatedAt {
		return
	}

	if err := e.queue.Remove(ctx, op.ID); err != nil {
		e.reporter.Report(err, slog.String("entity", entityKey(applied.Type, applied.ID)))
		return
	}

	e.logger.Debug("queued op superseded by remote change",
		slog.String("entity", entityKey(applied.Type, applied.ID)),
	)
}
