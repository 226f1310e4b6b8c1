package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remotepath"
)

// memDoc is one stored document. Removed documents stay as tombstones so a
// subscription replaying from an older server time still sees the removal.
type memDoc struct {
	value    map[string]any
	created  int64
	modified int64
	removed  bool
}

func (d *memDoc) entry(key string) Entry {
	return Entry{Key: key, Value: cloneValue(d.value), ServerTime: d.modified}
}

// MemStore is an in-memory real-time store. All writes are serialized by one
// mutex and stamped with a strictly increasing server clock. Each
// subscription gets its own delivery goroutine, so a slow handler delays
// only its own events, never writers.
type MemStore struct {
	mu      sync.Mutex
	clock   int64
	nowFunc func() time.Time
	docs    map[string]map[string]*memDoc // collection → key → doc
	subs    map[uint64]*memSub
	nextSub uint64
	closed  bool
	logger  *slog.Logger

	writes atomic.Int64
}

// NewMemStore creates an empty store.
func NewMemStore(logger *slog.Logger) *MemStore {
	return &MemStore{
		nowFunc: time.Now,
		docs:    make(map[string]map[string]*memDoc),
		subs:    make(map[uint64]*memSub),
		logger:  logger,
	}
}

// SetClock replaces the wall clock the server time is derived from.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.nowFunc = now
	m.mu.Unlock()
}

// Writes returns the number of committed writes.
func (m *MemStore) Writes() int64 {
	return m.writes.Load()
}

// Now returns the current server time.
func (m *MemStore) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clock
}

// Close detaches every subscription. Later calls fail with ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]*memSub)
	m.closed = true
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}

	return nil
}

// tick advances the server clock. Caller holds mu.
func (m *MemStore) tick() int64 {
	now := m.nowFunc().UnixMilli()
	if now <= m.clock {
		now = m.clock + 1
	}

	m.clock = now

	return now
}

func (m *MemStore) entityPath(op, raw string) (remotepath.Path, error) {
	p, err := remotepath.Parse(raw)
	if err != nil {
		return remotepath.Path{}, &Error{Op: op, Path: raw, Message: err.Error(), Err: ErrBadRequest}
	}

	if p.IsCollection() {
		return remotepath.Path{}, &Error{Op: op, Path: raw, Message: "want an entity path", Err: ErrBadRequest}
	}

	return p, nil
}

func (m *MemStore) collectionPath(op, raw string) (string, error) {
	p, err := remotepath.Parse(raw)
	if err != nil {
		return "", &Error{Op: op, Path: raw, Message: err.Error(), Err: ErrBadRequest}
	}

	if !p.IsCollection() {
		return "", &Error{Op: op, Path: raw, Message: "want a collection path", Err: ErrBadRequest}
	}

	return p.String(), nil
}

// Get returns the live document at path.
func (m *MemStore) Get(ctx context.Context, path string) (Entry, error) {
	p, err := m.entityPath("get", path)
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Entry{}, ErrClosed
	}

	d := m.docs[remotepath.Collection(p.Group, p.Type)][p.ID]
	if d == nil || d.removed {
		return Entry{}, &Error{Op: "get", Path: path, Err: ErrNotFound}
	}

	return d.entry(p.ID), nil
}

// Set replaces the document at path, creating it if absent.
func (m *MemStore) Set(ctx context.Context, path string, value map[string]any) error {
	_, err := m.write("set", path, func(current map[string]any) (map[string]any, error) {
		return value, nil
	}, anyTime)

	return err
}

// Update merges partial into the live document at path. A nil value
// deletes the key.
func (m *MemStore) Update(ctx context.Context, path string, partial map[string]any) error {
	_, err := m.write("update", path, func(current map[string]any) (map[string]any, error) {
		if current == nil {
			return nil, ErrNotFound
		}

		return entity.Merge(current, partial), nil
	}, anyTime)

	return err
}

// TransactionalIncrement applies fn to the current value under the store
// lock.
func (m *MemStore) TransactionalIncrement(ctx context.Context, path string, fn MergeFunc) (map[string]any, error) {
	e, err := m.write("increment", path, fn, anyTime)
	if err != nil {
		return nil, err
	}

	return e.Value, nil
}

// CompareAndSet replaces the document only if its ServerTime still equals
// expected (0 for "must not exist"). Remote clients build their
// transactional increments on it.
func (m *MemStore) CompareAndSet(ctx context.Context, path string, expected int64, value map[string]any) (Entry, error) {
	return m.write("cas", path, func(current map[string]any) (map[string]any, error) {
		return value, nil
	}, expected)
}

// anyTime disables the compare-and-set check in write.
const anyTime int64 = -1

// write is the single mutation path. fn receives a copy of the live value
// (nil when absent) and returns the next value. Unless expected is anyTime
// the write fails with ErrConflict when the document's ServerTime differs.
func (m *MemStore) write(op, path string, fn MergeFunc, expected int64) (Entry, error) {
	p, err := m.entityPath(op, path)
	if err != nil {
		return Entry{}, err
	}

	coll := remotepath.Collection(p.Group, p.Type)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Entry{}, ErrClosed
	}

	d := m.docs[coll][p.ID]
	live := d != nil && !d.removed

	if expected != anyTime {
		var current int64
		if live {
			current = d.modified
		}

		if current != expected {
			return Entry{}, &Error{Op: op, Path: path, Err: ErrConflict}
		}
	}

	var current, prev map[string]any
	if live {
		current = cloneValue(d.value)
		prev = d.value
	}

	next, err := fn(current)
	if err != nil {
		return Entry{}, &Error{Op: op, Path: path, Message: err.Error(), Err: classifyMergeErr(err)}
	}

	normalized, err := entity.Normalize(next)
	if err != nil {
		return Entry{}, &Error{Op: op, Path: path, Message: err.Error(), Err: ErrBadRequest}
	}

	now := m.tick()

	kind := EventChanged
	if !live {
		kind = EventAdded

		d = &memDoc{created: now}

		if m.docs[coll] == nil {
			m.docs[coll] = make(map[string]*memDoc)
		}

		m.docs[coll][p.ID] = d
	}

	d.value = normalized
	d.modified = now
	d.removed = false

	m.writes.Add(1)

	e := d.entry(p.ID)
	m.publish(coll, Event{Kind: kind, Entry: e}, prev)

	return e, nil
}

// Remove deletes the document at path, keeping a tombstone. Removing an
// absent document is a no-op.
func (m *MemStore) Remove(ctx context.Context, path string) error {
	p, err := m.entityPath("remove", path)
	if err != nil {
		return err
	}

	coll := remotepath.Collection(p.Group, p.Type)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	d := m.docs[coll][p.ID]
	if d == nil || d.removed {
		return nil
	}

	d.removed = true
	d.modified = m.tick()

	m.writes.Add(1)
	m.publish(coll, Event{Kind: EventRemoved, Entry: d.entry(p.ID)}, nil)

	return nil
}

// QueryRange returns the live documents of a collection matching q, in key
// order.
func (m *MemStore) QueryRange(ctx context.Context, path string, q Query) (Snapshot, error) {
	coll, err := m.collectionPath("query", path)
	if err != nil {
		return Snapshot{}, err
	}

	q, err = normalizeQuery(q)
	if err != nil {
		return Snapshot{}, &Error{Op: "query", Path: path, Message: err.Error(), Err: ErrBadRequest}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Snapshot{}, ErrClosed
	}

	snap := Snapshot{ServerTime: m.clock}

	for key, d := range m.docs[coll] {
		if !d.removed && q.Matches(d.value) {
			snap.Entries = append(snap.Entries, d.entry(key))
		}
	}

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })

	return snap, nil
}

// Subscribe registers h. Replay and registration happen under the store
// lock, so no write can fall between the replayed history and the live
// stream.
func (m *MemStore) Subscribe(
	ctx context.Context, path string, q Query, since int64, h Handler,
) (func(), error) {
	coll, err := m.collectionPath("subscribe", path)
	if err != nil {
		return nil, err
	}

	q, err = normalizeQuery(q)
	if err != nil {
		return nil, &Error{Op: "subscribe", Path: path, Message: err.Error(), Err: ErrBadRequest}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := newMemSub(coll, q, h)

	if since != LiveOnly {
		sub.enqueue(m.replay(coll, q, since)...)
	}

	m.nextSub++
	id := m.nextSub
	m.subs[id] = sub

	go sub.run()

	m.logger.Debug("subscription attached",
		slog.String("collection", coll),
		slog.Uint64("sub_id", id),
		slog.Bool("live_only", since == LiveOnly),
	)

	var once sync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()

			sub.stop()
		})
	}, nil
}

// replay returns the events a subscriber that last saw since has missed.
// Caller holds mu.
func (m *MemStore) replay(coll string, q Query, since int64) []Event {
	var events []Event

	for key, d := range m.docs[coll] {
		if d.modified <= since || !q.Matches(d.value) {
			continue
		}

		kind := EventChanged

		switch {
		case d.removed:
			kind = EventRemoved
		case d.created > since:
			kind = EventAdded
		}

		events = append(events, Event{Kind: kind, Entry: d.entry(key)})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Entry.ServerTime < events[j].Entry.ServerTime })

	return events
}

// publish fans an event out to matching subscriptions, each with its own
// copy of the value. prev is the value before the write; a subscriber whose
// query matched prev but not the new value sees a removal. Caller holds mu.
func (m *MemStore) publish(coll string, ev Event, prev map[string]any) {
	for _, s := range m.subs {
		if s.collection != coll {
			continue
		}

		out := ev
		out.Entry.Value = cloneValue(ev.Entry.Value)

		switch {
		case s.query.Matches(ev.Entry.Value):
		case prev != nil && s.query.Matches(prev):
			out.Kind = EventRemoved
		default:
			continue
		}

		s.enqueue(out)
	}
}

func normalizeQuery(q Query) (Query, error) {
	if q.Field == "" {
		return Query{}, nil
	}

	v, err := entity.NormalizeValue(q.Equals)
	if err != nil {
		return Query{}, fmt.Errorf("query value: %w", err)
	}

	q.Equals = v

	return q, nil
}

func classifyMergeErr(err error) error {
	if sentinel := classifyCode(codeFor(err)); sentinel != ErrServerError {
		return sentinel
	}

	return ErrBadRequest
}

func cloneValue(v map[string]any) map[string]any {
	out, err := entity.Normalize(v)
	if err != nil {
		// Stored values are already normalized JSON and always re-encode.
		panic(fmt.Sprintf("remote: cloning stored value: %v", err))
	}

	return out
}

// memSub is one subscription: its scope plus its delivery queue.
type memSub struct {
	collection string
	query      Query
	*deliveryQueue
}

func newMemSub(coll string, q Query, h Handler) *memSub {
	return &memSub{collection: coll, query: q, deliveryQueue: newDeliveryQueue(h)}
}
