package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/netmon"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/remotepath"
	"github.com/tonimelisma/cartsync/internal/store"
)

// testLogger returns a debug-level logger that writes to t.Log. Output
// arriving after the test's cleanup phase is dropped.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	w := &testLogWriter{t: t}
	t.Cleanup(w.close)

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	mu     stdsync.Mutex
	t      *testing.T
	closed bool
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.t.Log(string(p))
	}

	return len(p), nil
}

func (w *testLogWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

var testGroup = remotepath.MustGroupID("family")

// testClock is a settable millisecond clock shared by the engine, store
// and queue of a harness.
type testClock struct {
	ms atomic.Int64
}

func (c *testClock) now() time.Time { return time.UnixMilli(c.ms.Load()) }

func (c *testClock) set(ms int64) { c.ms.Store(ms) }

func (c *testClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// flakyRemote wraps a MemStore with injectable failures and call counters.
type flakyRemote struct {
	*remote.MemStore

	mu         stdsync.Mutex
	writeErr   error
	queryErr   error
	queryGate  chan struct{} // when set, QueryRange blocks until closed
	queryStart chan struct{} // closed when a gated QueryRange begins
	afterQuery func()        // runs once a QueryRange has its snapshot

	writes     atomic.Int64
	subscribes atomic.Int64
}

func (f *flakyRemote) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *flakyRemote) writeFailure() error {
	f.writes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeErr
}

func (f *flakyRemote) Set(ctx context.Context, path string, value map[string]any) error {
	if err := f.writeFailure(); err != nil {
		return err
	}

	return f.MemStore.Set(ctx, path, value)
}

func (f *flakyRemote) Remove(ctx context.Context, path string) error {
	if err := f.writeFailure(); err != nil {
		return err
	}

	return f.MemStore.Remove(ctx, path)
}

func (f *flakyRemote) QueryRange(ctx context.Context, path string, q remote.Query) (remote.Snapshot, error) {
	f.mu.Lock()
	gate, started, qerr, after := f.queryGate, f.queryStart, f.queryErr, f.afterQuery
	f.mu.Unlock()

	if gate != nil {
		close(started)

		select {
		case <-gate:
		case <-ctx.Done():
			return remote.Snapshot{}, ctx.Err()
		}
	}

	if qerr != nil {
		return remote.Snapshot{}, qerr
	}

	snap, err := f.MemStore.QueryRange(ctx, path, q)
	if err == nil && after != nil {
		after()
	}

	return snap, err
}

func (f *flakyRemote) Subscribe(
	ctx context.Context, path string, q remote.Query, since int64, h remote.Handler,
) (func(), error) {
	f.subscribes.Add(1)
	return f.MemStore.Subscribe(ctx, path, q, since, h)
}

// recordingReporter keeps every reported error.
type recordingReporter struct {
	mu   stdsync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error, _ ...slog.Attr) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingReporter) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

// hookedStore lets a test run code right after the engine reads a record,
// before whatever write the engine bases on that read.
type hookedStore struct {
	*store.Store

	mu       stdsync.Mutex
	hookKey  string
	afterGet func()
}

// onceAfterGet arms fn to run after the next Get of (typ, id).
func (s *hookedStore) onceAfterGet(typ entity.Type, id string, fn func()) {
	s.mu.Lock()
	s.hookKey, s.afterGet = entityKey(typ, id), fn
	s.mu.Unlock()
}

func (s *hookedStore) Get(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	rec, err := s.Store.Get(ctx, typ, id)

	s.mu.Lock()
	var fn func()
	if s.afterGet != nil && s.hookKey == entityKey(typ, id) {
		fn, s.afterGet = s.afterGet, nil
	}
	s.mu.Unlock()

	if fn != nil {
		fn()
	}

	return rec, err
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

// harness is one device wired to an in-memory remote.
type harness struct {
	t        *testing.T
	clock    *testClock
	store    *store.Store
	hooked   *hookedStore
	queue    *store.Queue
	mem      *remote.MemStore
	remote   *flakyRemote
	net      *netmon.Monitor
	reporter *recordingReporter
	engine   *Engine
}

const testStart int64 = 1_700_000_000_000

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	mem := remote.NewMemStore(testLogger(t))
	t.Cleanup(func() { mem.Close() })

	return newHarnessWithRemote(t, online, mem)
}

// newHarnessWithRemote builds a device against mem, so two harnesses can
// share one remote.
func newHarnessWithRemote(t *testing.T, online bool, mem *remote.MemStore) *harness {
	t.Helper()

	logger := testLogger(t)

	clock := &testClock{}
	clock.set(testStart)

	s, err := store.Open(filepath.Join(t.TempDir(), "cartsync.db"), logger)
	require.NoError(t, err)
	s.SetClock(clock.now)

	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	q := store.NewQueue(s.DB(), logger)
	q.SetClock(clock.now)

	flaky := &flakyRemote{MemStore: mem}
	mon := netmon.New(online, logger)
	rep := &recordingReporter{}
	hooked := &hookedStore{Store: s}

	e, err := NewEngine(&EngineConfig{
		Store:    hooked,
		Queue:    q,
		Remote:   flaky,
		Group:    testGroup,
		Network:  mon,
		Reporter: rep,
		Logger:   logger,
	})
	require.NoError(t, err)

	e.nowFunc = clock.now
	e.afterFunc = func(time.Duration, func()) stopper { return noopTimer{} }

	t.Cleanup(e.Close)

	return &harness{
		t: t, clock: clock, store: s, hooked: hooked, queue: q, mem: mem, remote: flaky,
		net: mon, reporter: rep, engine: e,
	}
}

func (h *harness) newList(name string) entity.Record {
	h.t.Helper()

	rec, err := h.engine.CreateRecord(h.t.Context(), entity.TypeList, map[string]any{
		entity.FieldName:   name,
		entity.FieldStatus: entity.ListActive,
	})
	require.NoError(h.t, err)

	return rec
}

func (h *harness) newItem(listID, name string) entity.Record {
	h.t.Helper()

	rec, err := h.engine.CreateRecord(h.t.Context(), entity.TypeItem, map[string]any{
		entity.FieldListID: listID,
		entity.FieldName:   name,
	})
	require.NoError(h.t, err)

	return rec
}

func (h *harness) get(typ entity.Type, id string) entity.Record {
	h.t.Helper()

	rec, err := h.store.Get(h.t.Context(), typ, id)
	require.NoError(h.t, err)

	return rec
}

func (h *harness) items(listID string) []entity.Record {
	h.t.Helper()

	recs, err := h.store.Query(h.t.Context(), store.Filter{Type: entity.TypeItem, ParentID: listID})
	require.NoError(h.t, err)

	return recs
}

func (h *harness) queued() []store.QueuedOp {
	h.t.Helper()

	ops, err := h.queue.ListPending(h.t.Context())
	require.NoError(h.t, err)

	return ops
}

// putRemote writes a document as another device would.
func (h *harness) putRemote(rec entity.Record) {
	h.t.Helper()

	path := remotepath.Entity(testGroup, rec.Type, rec.ID)
	require.NoError(h.t, h.mem.Set(h.t.Context(), path, encodeRecord(rec)))
}

func (h *harness) remoteDoc(typ entity.Type, id string) (remote.Entry, error) {
	return h.mem.Get(h.t.Context(), remotepath.Entity(testGroup, typ, id))
}

// watch starts a listener and waits until its stream is attached.
func (h *harness) watch(coll Collection) *Subscription {
	h.t.Helper()

	sub, err := h.engine.Watch(h.t.Context(), coll)
	require.NoError(h.t, err)

	select {
	case <-sub.Ready():
	case <-time.After(5 * time.Second):
		h.t.Fatal("listener not ready")
	}

	return sub
}

func remoteItem(id, listID, name string, updatedAt int64) entity.Record {
	return entity.Record{
		ID:   id,
		Type: entity.TypeItem,
		Fields: map[string]any{
			entity.FieldListID: listID,
			entity.FieldName:   name,
		},
		UpdatedAt: updatedAt,
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
