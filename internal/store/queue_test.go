package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cartsync/internal/entity"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	s := newTestStore(t)

	return NewQueue(s.DB(), testLogger(t))
}

func queuedItem(id string, op Operation, name string) QueuedOp {
	return QueuedOp{
		EntityType: entity.TypeItem,
		EntityID:   id,
		Operation:  op,
		Payload:    item(id, "L1", name),
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := t.Context()

	// Same timestamp: insertion order breaks the tie.
	q.SetClock(fixedClock(100))

	for _, id := range []string{"c", "a", "b"} {
		_, err := q.Enqueue(ctx, queuedItem(id, OpCreate, id))
		require.NoError(t, err)
	}

	ops, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "c", ops[0].EntityID)
	assert.Equal(t, "a", ops[1].EntityID)
	assert.Equal(t, "b", ops[2].EntityID)

	assert.NotEmpty(t, ops[0].ID)
	assert.Equal(t, int64(100), ops[0].Timestamp)
	assert.Equal(t, "c", ops[0].Payload.String(entity.FieldName))
}

func TestQueue_CoalescesPerEntity(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := t.Context()

	q.SetClock(fixedClock(100))
	first, err := q.Enqueue(ctx, queuedItem("i1", OpCreate, "milk"))
	require.NoError(t, err)

	require.NoError(t, q.Reschedule(ctx, first.ID, 2, 4000, "boom"))

	q.SetClock(fixedClock(200))
	_, err = q.Enqueue(ctx, queuedItem("other", OpUpdate, "x"))
	require.NoError(t, err)

	merged, err := q.Enqueue(ctx, queuedItem("i1", OpUpdate, "oat milk"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, OpCreate, merged.Operation, "create+update stays a create")
	assert.Equal(t, 2, merged.RetryCount)
	assert.Equal(t, int64(2), merged.Version)

	ops, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "i1", ops[0].EntityID, "coalesced entry keeps its FIFO position")
	assert.Equal(t, "oat milk", ops[0].Payload.String(entity.FieldName))
	assert.Equal(t, int64(100), ops[0].Timestamp)
	assert.Equal(t, int64(4000), ops[0].NextRetryAt)
	assert.Equal(t, "boom", ops[0].LastError)
}

func TestMergeOperations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		queued, next, want Operation
	}{
		{OpCreate, OpUpdate, OpCreate},
		{OpCreate, OpDelete, OpDelete},
		{OpUpdate, OpUpdate, OpUpdate},
		{OpUpdate, OpDelete, OpDelete},
		{OpDelete, OpCreate, OpCreate},
		{OpDelete, OpUpdate, OpUpdate},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, mergeOperations(tt.queued, tt.next), "%s then %s", tt.queued, tt.next)
	}
}

func TestQueue_DequeueRespectsVersion(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := t.Context()

	op, err := q.Enqueue(ctx, queuedItem("i1", OpCreate, "milk"))
	require.NoError(t, err)

	// A newer snapshot lands while the old one is in flight.
	_, err = q.Enqueue(ctx, queuedItem("i1", OpUpdate, "oat milk"))
	require.NoError(t, err)

	removed, err := q.DequeueSuccessful(ctx, op.ID, op.Version)
	require.NoError(t, err)
	assert.False(t, removed)

	pending, err := q.PendingFor(ctx, entity.TypeItem, "i1")
	require.NoError(t, err)
	require.NotNil(t, pending)

	removed, err = q.DequeueSuccessful(ctx, pending.ID, pending.Version)
	require.NoError(t, err)
	assert.True(t, removed)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err = q.PendingFor(ctx, entity.TypeItem, "i1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestQueue_RescheduleAndNextRetry(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := t.Context()

	_, ok, err := q.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := q.Enqueue(ctx, queuedItem("a", OpCreate, "a"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, queuedItem("b", OpCreate, "b"))
	require.NoError(t, err)

	require.NoError(t, q.Reschedule(ctx, a.ID, 1, 9000, "timeout"))
	require.NoError(t, q.Reschedule(ctx, b.ID, 3, 5000, "timeout"))

	next, ok, err := q.NextRetryAt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), next)

	err = q.Reschedule(ctx, "missing", 1, 1, "")
	assert.ErrorIs(t, err, ErrOpNotFound)

	require.NoError(t, q.Remove(ctx, a.ID))

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := testLogger(t)

	s, err := Open(dir+"/q.db", logger)
	require.NoError(t, err)

	_, err = NewQueue(s.DB(), logger).Enqueue(t.Context(), queuedItem("i1", OpDelete, "milk"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir+"/q.db", logger)
	require.NoError(t, err)

	defer s.Close()

	ops, err := NewQueue(s.DB(), logger).ListPending(t.Context())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpDelete, ops[0].Operation)
	assert.Equal(t, entity.StatusPending, ops[0].Payload.SyncStatus)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)

	_, err := q.Enqueue(t.Context(), QueuedOp{EntityType: entity.TypeItem, Operation: OpCreate})
	assert.Error(t, err)

	_, err = q.Enqueue(t.Context(), QueuedOp{EntityType: entity.TypeItem, EntityID: "i1", Operation: "upsert"})
	assert.Error(t, err)
}
