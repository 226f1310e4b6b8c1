package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
	"github.com/tonimelisma/cartsync/internal/remotepath"
	"github.com/tonimelisma/cartsync/internal/store"
)

func itemsOf(listID string) Collection {
	return Collection{Type: entity.TypeItem, ParentID: listID}
}

func TestWatch_CatchUpThenStreamDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	for _, id := range []string{"a", "b", "c"} {
		h.putRemote(remoteItem(id, "l1", "item "+id, 10))
	}

	h.putRemote(remoteItem("x", "other", "elsewhere", 10))

	sub := h.watch(itemsOf("l1"))

	require.Len(t, h.items("l1"), 3)
	assert.Equal(t, int64(3), sub.Stats().CatchUpWrites)

	for _, rec := range h.items("l1") {
		assert.Equal(t, entity.StatusSynced, rec.SyncStatus)
	}

	h.putRemote(remoteItem("d", "l1", "item d", 20))

	eventually(t, func() bool { return len(h.items("l1")) == 4 }, "streamed item arrives")
	assert.Equal(t, int64(1), sub.Stats().StreamWrites)

	_, err := h.store.Get(t.Context(), entity.TypeItem, "x")
	assert.ErrorIs(t, err, store.ErrNotFound, "other lists are not mirrored")

	// Re-running the listener against unchanged data writes nothing.
	sub.Unsubscribe()

	commits := h.store.Stats().Commits

	again := h.watch(itemsOf("l1"))
	assert.NotSame(t, sub, again)
	assert.Zero(t, again.Stats().CatchUpWrites)
	assert.Equal(t, int64(4), again.Stats().SkippedNoop)
	assert.Equal(t, commits, h.store.Stats().Commits)
	assert.Len(t, h.items("l1"), 4)
}

func TestWatch_DuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.putRemote(remoteItem("a", "l1", "milk", 10))

	sub := h.watch(itemsOf("l1"))
	require.Len(t, h.items("l1"), 1)

	entry, err := h.mem.Get(t.Context(), remotepath.Entity(testGroup, entity.TypeItem, "a"))
	require.NoError(t, err)

	commits := h.store.Stats().Commits
	notes := h.store.ObserverNotifications()

	// A catch-up document re-delivered as an addition by the stream.
	sub.handle(remote.Event{Kind: remote.EventAdded, Entry: entry})
	// The same document delivered as a change.
	sub.handle(remote.Event{Kind: remote.EventChanged, Entry: entry})

	assert.Equal(t, int64(1), sub.Stats().Duplicates)
	assert.Equal(t, int64(1), sub.Stats().SkippedNoop)

	// An identical rewrite on the remote.
	h.putRemote(remoteItem("a", "l1", "milk", 10))
	eventually(t, func() bool { return sub.Stats().SkippedNoop == 2 }, "rewrite observed")

	assert.Equal(t, commits, h.store.Stats().Commits, "no local writes")
	assert.Equal(t, notes, h.store.ObserverNotifications(), "no observer wakeups")
}

func TestWatch_StalenessCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	local := remoteItem("a", "l1", "local name", 100)
	local.SyncStatus = entity.StatusSynced
	_, err := h.store.Save(t.Context(), local)
	require.NoError(t, err)

	h.putRemote(remoteItem("a", "l1", "older remote", 50))

	sub := h.watch(itemsOf("l1"))
	assert.Equal(t, int64(1), sub.Stats().SkippedStale)
	assert.Equal(t, "local name", h.get(entity.TypeItem, "a").String(entity.FieldName))

	h.putRemote(remoteItem("a", "l1", "newer remote", 150))

	eventually(t, func() bool {
		return h.get(entity.TypeItem, "a").String(entity.FieldName) == "newer remote"
	}, "newer remote applied")

	rec := h.get(entity.TypeItem, "a")
	assert.Equal(t, int64(150), rec.UpdatedAt)
	assert.Equal(t, entity.StatusSynced, rec.SyncStatus)
}

func TestWatch_EchoSuppression(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	sub := h.watch(itemsOf("l1"))

	commits := h.store.Stats().Commits

	it := h.newItem("l1", "butter")
	h.engine.Wait()

	eventually(t, func() bool { return sub.Stats().SkippedNoop == 1 }, "echo received")

	assert.Zero(t, sub.Stats().StreamWrites)
	assert.Equal(t, commits+2, h.store.Stats().Commits, "local save and status flip only")
	assert.Equal(t, entity.StatusSynced, h.get(entity.TypeItem, it.ID).SyncStatus)
}

func TestWatch_UnsubscribeDuringCatchUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.remote.queryGate = make(chan struct{})
	h.remote.queryStart = make(chan struct{})

	h.putRemote(remoteItem("a", "l1", "milk", 10))

	sub, err := h.engine.Watch(t.Context(), itemsOf("l1"))
	require.NoError(t, err)

	select {
	case <-h.remote.queryStart:
	case <-time.After(5 * time.Second):
		t.Fatal("catch-up query never started")
	}

	sub.Unsubscribe()
	h.engine.Wait()

	select {
	case <-sub.Ready():
	default:
		t.Fatal("Ready not closed after unsubscribe")
	}

	assert.Empty(t, h.items("l1"))
	assert.Zero(t, h.remote.subscribes.Load(), "stream never attached")
	assert.Empty(t, h.engine.Watches())
}

func TestWatch_DegradedWhenCatchUpFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.remote.queryErr = &remote.Error{Op: "query", Err: remote.ErrServerError}

	h.putRemote(remoteItem("old", "l1", "milk", 10))

	sub := h.watch(itemsOf("l1"))
	assert.True(t, sub.Stats().Degraded)
	assert.Empty(t, h.items("l1"))

	h.putRemote(remoteItem("new", "l1", "eggs", 20))

	eventually(t, func() bool { return len(h.items("l1")) == 1 }, "live change arrives")
	assert.Equal(t, "new", h.items("l1")[0].ID)
}

func TestWatch_MalformedSkippedAndEscalated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.putRemote(remoteItem("good", "l1", "milk", 10))

	badPath := remotepath.Entity(testGroup, entity.TypeItem, "bad")
	require.NoError(t, h.mem.Set(t.Context(), badPath, map[string]any{entity.FieldListID: "l1"}))

	sub := h.watch(itemsOf("l1"))

	require.Len(t, h.items("l1"), 1)
	assert.Equal(t, int64(1), sub.Stats().Malformed)

	errs := h.reporter.reported()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrMalformed)
	assert.Empty(t, h.engine.MalformedRecords())

	for n := range 2 {
		require.NoError(t, h.mem.Set(t.Context(), badPath, map[string]any{
			entity.FieldListID: "l1",
			"note":             n,
		}))
	}

	eventually(t, func() bool { return sub.Stats().Malformed == 3 }, "malformed rewrites observed")

	escalated := h.engine.MalformedRecords()
	require.Len(t, escalated, 1)
	assert.Equal(t, "items/bad", escalated[0].Key)
}

func TestWatch_RemoteRemoval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.putRemote(remoteItem("a", "l1", "milk", 10))
	h.putRemote(remoteItem("b", "l1", "eggs", 10))

	sub := h.watch(itemsOf("l1"))
	require.Len(t, h.items("l1"), 2)

	// b is edited locally after the remote copy; its removal must not win.
	h.net.Set(false)
	_, err := h.engine.UpdateRecord(t.Context(), entity.TypeItem, "b", map[string]any{entity.FieldQuantity: 3})
	require.NoError(t, err)
	h.engine.Wait()

	require.NoError(t, h.mem.Remove(t.Context(), remotepath.Entity(testGroup, entity.TypeItem, "a")))
	require.NoError(t, h.mem.Remove(t.Context(), remotepath.Entity(testGroup, entity.TypeItem, "b")))

	eventually(t, func() bool { return sub.Stats().Removals == 1 && sub.Stats().SkippedStale == 1 }, "removals processed")

	items := h.items("l1")
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}

func TestWatch_RemoteChangeSupersedesQueuedWrite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	it := h.newItem("l1", "local milk")
	h.engine.Wait()
	require.Len(t, h.queued(), 1)

	h.putRemote(remoteItem(it.ID, "l1", "remote milk", it.UpdatedAt+1000))

	h.watch(itemsOf("l1"))

	rec := h.get(entity.TypeItem, it.ID)
	assert.Equal(t, "remote milk", rec.String(entity.FieldName))
	assert.Equal(t, entity.StatusSynced, rec.SyncStatus)
	assert.Empty(t, h.queued(), "older queued write dropped")
}

func TestWatch_ReturnsExistingSubscription(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	first := h.watch(itemsOf("l1"))
	second := h.watch(itemsOf("l1"))
	assert.Same(t, first, second)

	lists := h.watch(Collection{Type: entity.TypeList})
	assert.NotSame(t, first, lists)
	assert.Len(t, h.engine.Watches(), 2)
	assert.Equal(t, 2, h.engine.Stats().Listeners)
	assert.Equal(t, int64(2), h.remote.subscribes.Load())
}

func TestWatch_InvalidCollection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	_, err := h.engine.Watch(t.Context(), Collection{Type: "pets"})
	require.Error(t, err)

	_, err = h.engine.Watch(t.Context(), Collection{Type: entity.TypeList, ParentID: "x"})
	require.Error(t, err, "lists have no parent")
}

func TestWatch_ListTombstoneArrives(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	list := entity.Record{
		ID:        "l1",
		Type:      entity.TypeList,
		Fields:    map[string]any{entity.FieldName: "weekly", entity.FieldStatus: entity.ListActive},
		UpdatedAt: 10,
	}
	h.putRemote(list)

	h.watch(Collection{Type: entity.TypeList})
	require.False(t, h.get(entity.TypeList, "l1").Deleted)

	list.Deleted = true
	list.UpdatedAt = 20
	list.Fields[entity.FieldStatus] = entity.ListDeleted
	h.putRemote(list)

	eventually(t, func() bool { return h.get(entity.TypeList, "l1").Deleted }, "tombstone applied")
}

func TestWatch_WriteBetweenSnapshotAndAttachIsDelivered(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	h.putRemote(remoteItem("a", "l1", "milk", 10))
	h.remote.afterQuery = func() {
		path := remotepath.Entity(testGroup, entity.TypeItem, "b")
		assert.NoError(t, h.mem.Set(t.Context(), path, encodeRecord(remoteItem("b", "l1", "eggs", 20))))
	}

	sub := h.watch(itemsOf("l1"))

	eventually(t, func() bool { return len(h.items("l1")) == 2 }, "late write delivered")
	h.engine.Wait()

	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.CatchUpWrites)
	assert.Equal(t, int64(1), stats.StreamWrites)
	assert.Zero(t, stats.Duplicates)
	assert.Equal(t, "eggs", h.get(entity.TypeItem, "b").String(entity.FieldName))
}

// seedSyncedItem stores an item as if an earlier sync had settled it.
func seedSyncedItem(t *testing.T, h *harness, id, listID, name string, updatedAt int64) {
	t.Helper()

	rec := remoteItem(id, listID, name, updatedAt)
	rec.SyncStatus = entity.StatusSynced
	_, err := h.store.Save(t.Context(), rec)
	require.NoError(t, err)
}

// editDuringRead arms a local edit of the item to land right after the
// engine reads it and before the engine writes the remote copy.
func editDuringRead(t *testing.T, h *harness, id, name string) {
	t.Helper()

	h.hooked.onceAfterGet(entity.TypeItem, id, func() {
		_, err := h.engine.UpdateRecord(t.Context(), entity.TypeItem, id, map[string]any{entity.FieldName: name})
		assert.NoError(t, err)
	})
}

func TestWatch_CatchUpKeepsLocalEditMadeDuringRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	seedSyncedItem(t, h, "i1", "l1", "milk", 100)
	h.putRemote(remoteItem("i1", "l1", "oat milk", 200))
	editDuringRead(t, h, "i1", "soy milk")

	sub := h.watch(itemsOf("l1"))
	h.engine.Wait()

	assert.Equal(t, "soy milk", h.get(entity.TypeItem, "i1").String(entity.FieldName))
	assert.Zero(t, sub.Stats().CatchUpWrites)
	assert.Equal(t, int64(1), sub.Stats().SkippedStale)

	entry, err := h.remoteDoc(entity.TypeItem, "i1")
	require.NoError(t, err)
	assert.Equal(t, "soy milk", entry.Value[entity.FieldName], "local edit pushed")
}

func TestWatch_StreamKeepsLocalEditMadeDuringRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	seedSyncedItem(t, h, "i1", "l1", "milk", 100)

	sub := h.watch(itemsOf("l1"))
	editDuringRead(t, h, "i1", "soy milk")

	h.putRemote(remoteItem("i1", "l1", "oat milk", 200))

	eventually(t, func() bool { return sub.Stats().SkippedStale == 1 }, "remote change considered")
	h.engine.Wait()

	rec := h.get(entity.TypeItem, "i1")
	assert.Equal(t, "soy milk", rec.String(entity.FieldName))
	assert.Equal(t, entity.StatusPending, rec.SyncStatus)
	assert.Zero(t, sub.Stats().StreamWrites)
	require.Len(t, h.queued(), 1, "offline edit queued for delivery")
}

func TestWatch_RemovalKeepsLocalEditMadeDuringRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)

	h.putRemote(remoteItem("i1", "l1", "milk", 100))

	sub := h.watch(itemsOf("l1"))
	require.Len(t, h.items("l1"), 1)

	editDuringRead(t, h, "i1", "soy milk")
	require.NoError(t, h.mem.Remove(t.Context(), remotepath.Entity(testGroup, entity.TypeItem, "i1")))

	eventually(t, func() bool { return sub.Stats().SkippedStale == 1 }, "removal considered")

	assert.Zero(t, sub.Stats().Removals)
	assert.Equal(t, "soy milk", h.get(entity.TypeItem, "i1").String(entity.FieldName))
}

func TestWatch_CallerContextEndsListener(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := h.engine.Watch(ctx, itemsOf("l1"))
	require.NoError(t, err)
	<-sub.Ready()

	cancel()

	eventually(t, func() bool { return len(h.engine.Watches()) == 0 }, "listener stopped with its context")
}

func TestWatch_UnsubscribeReleasesContextRegistration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	sub, err := h.engine.Watch(ctx, itemsOf("l1"))
	require.NoError(t, err)
	<-sub.Ready()

	sub.mu.Lock()
	stop := sub.stopOnDone
	sub.mu.Unlock()
	require.NotNil(t, stop)

	sub.Unsubscribe()

	sub.mu.Lock()
	assert.Nil(t, sub.stopOnDone)
	sub.mu.Unlock()
	assert.False(t, stop(), "registration already released")
}
