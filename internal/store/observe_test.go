package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cartsync/internal/entity"
)

const observeTimeout = 2 * time.Second

func recvSnapshot(t *testing.T, ch <-chan []entity.Record) []entity.Record {
	t.Helper()

	select {
	case recs, ok := <-ch:
		require.True(t, ok, "observer channel closed")
		return recs
	case <-time.After(observeTimeout):
		require.FailNow(t, "timed out waiting for snapshot")
		return nil
	}
}

func assertNoSnapshot(t *testing.T, ch <-chan []entity.Record) {
	t.Helper()

	select {
	case recs := <-ch:
		assert.Failf(t, "unexpected snapshot", "%v", recs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserve_EmitsInitialAndOnInsert(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, item("i1", "L1", "milk"))
	require.NoError(t, err)

	ch, stop, err := s.Observe(ctx, Filter{Type: entity.TypeItem, ParentID: "L1"})
	require.NoError(t, err)

	defer stop()

	assert.Len(t, recvSnapshot(t, ch), 1)

	_, err = s.Save(ctx, item("i2", "L1", "bread"))
	require.NoError(t, err)

	assert.Len(t, recvSnapshot(t, ch), 2)
}

func TestObserve_FiresOnFieldEditOfMatchingRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, item("i1", "L1", "milk"))
	require.NoError(t, err)

	ch, stop, err := s.Observe(ctx, Filter{Type: entity.TypeItem, ParentID: "L1"})
	require.NoError(t, err)

	defer stop()

	recvSnapshot(t, ch)

	// Same row, same set membership, different field.
	_, err = s.Update(ctx, entity.TypeItem, "i1", map[string]any{entity.FieldPrice: 2.5}, UpdateOptions{})
	require.NoError(t, err)

	recs := recvSnapshot(t, ch)
	require.Len(t, recs, 1)
	assert.Equal(t, 2.5, recs[0].Float(entity.FieldPrice))
}

func TestObserve_FiresWhenRowLeavesResultSet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, item("i1", "L1", "milk"))
	require.NoError(t, err)

	ch, stop, err := s.Observe(ctx, Filter{Type: entity.TypeItem, Where: map[string]any{entity.FieldChecked: false}})
	require.NoError(t, err)

	defer stop()

	assert.Empty(t, recvSnapshot(t, ch))

	_, err = s.Update(ctx, entity.TypeItem, "i1", map[string]any{entity.FieldChecked: false}, UpdateOptions{})
	require.NoError(t, err)
	assert.Len(t, recvSnapshot(t, ch), 1)

	_, err = s.Update(ctx, entity.TypeItem, "i1", map[string]any{entity.FieldChecked: true}, UpdateOptions{})
	require.NoError(t, err)
	assert.Empty(t, recvSnapshot(t, ch))
}

func TestObserve_IgnoresUnrelatedWrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	ch, stop, err := s.Observe(ctx, Filter{Type: entity.TypeItem, ParentID: "L1"})
	require.NoError(t, err)

	defer stop()

	recvSnapshot(t, ch)

	_, err = s.Save(ctx, item("i9", "L2", "eggs"))
	require.NoError(t, err)

	_, err = s.Save(ctx, entity.Record{ID: "L1", Type: entity.TypeList, Fields: map[string]any{entity.FieldName: "weekly"}})
	require.NoError(t, err)

	assertNoSnapshot(t, ch)
	assert.Equal(t, int64(0), s.ObserverNotifications())
}

func TestObserve_CoalescesBurst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := t.Context()

	ch, stop, err := s.Observe(ctx, Filter{Type: entity.TypeItem, ParentID: "L1"})
	require.NoError(t, err)

	defer stop()

	recvSnapshot(t, ch)

	// Nobody reads while five commits land.
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Save(ctx, item(id, "L1", id))
		require.NoError(t, err)
	}

	// The five commits collapse into at most two snapshots: the one the
	// observer was blocked sending plus one re-evaluation of the newest state.
	var got [][]entity.Record

	for {
		select {
		case recs := <-ch:
			got = append(got, recs)
			continue
		case <-time.After(200 * time.Millisecond):
		}

		break
	}

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 2)
	assert.Len(t, got[len(got)-1], 5)
}

func TestObserve_StopClosesChannel(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	ch, stop, err := s.Observe(t.Context(), Filter{Type: entity.TypeItem})
	require.NoError(t, err)

	recvSnapshot(t, ch)
	stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(observeTimeout):
		require.FailNow(t, "channel not closed after stop")
	}
}

func TestObserve_InvalidFilter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, _, err := s.Observe(t.Context(), Filter{Type: "receipts"})
	assert.Error(t, err)
}
