package sync

import (
	"errors"
	"fmt"
	"maps"
	"math"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/remote"
)

// Reserved document keys. Everything else in a remote document is a
// record field. SyncStatus is never written.
const (
	docKeyID        = "id"
	docKeyUpdatedAt = "updatedAt"
	docKeyDeleted   = "deleted"
)

// ErrMalformed marks remote documents that cannot become records.
var ErrMalformed = errors.New("sync: malformed remote record")

// oldestRemoteStamp replaces a missing remote timestamp. It is older than
// any real local stamp, and non-zero because the store treats zero as
// "stamp now".
const oldestRemoteStamp int64 = 1

// encodeRecord converts a record to its remote document.
func encodeRecord(rec entity.Record) map[string]any {
	doc := maps.Clone(rec.Fields)
	if doc == nil {
		doc = make(map[string]any, 3)
	}

	doc[docKeyID] = rec.ID
	doc[docKeyUpdatedAt] = rec.UpdatedAt

	if rec.Deleted {
		doc[docKeyDeleted] = true
	}

	return doc
}

// decodeEntry converts a remote document to a synced record of type typ.
// A missing updatedAt decodes as 0 so the staleness check treats it as
// infinitely old. Documents whose id disagrees with their key, or that lack
// a required field, are malformed.
func decodeEntry(typ entity.Type, e remote.Entry) (entity.Record, error) {
	if e.Value == nil {
		return entity.Record{}, fmt.Errorf("%w: %s/%s has no value", ErrMalformed, typ, e.Key)
	}

	rec := entity.Record{
		ID:         e.Key,
		Type:       typ,
		Fields:     make(map[string]any, len(e.Value)),
		SyncStatus: entity.StatusSynced,
	}

	for k, v := range e.Value {
		switch k {
		case docKeyID:
			id, ok := v.(string)
			if !ok || (e.Key != "" && id != e.Key) {
				return entity.Record{}, fmt.Errorf("%w: %s/%s has id %v", ErrMalformed, typ, e.Key, v)
			}

			rec.ID = id
		case docKeyUpdatedAt:
			ts, ok := stampValue(v)
			if !ok {
				return entity.Record{}, fmt.Errorf("%w: %s/%s has updatedAt %v", ErrMalformed, typ, e.Key, v)
			}

			rec.UpdatedAt = ts
		case docKeyDeleted:
			rec.Deleted, _ = v.(bool)
		default:
			rec.Fields[k] = v
		}
	}

	fields, err := entity.Normalize(rec.Fields)
	if err != nil {
		return entity.Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	rec.Fields = fields

	if err := entity.Validate(rec); err != nil {
		return entity.Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return rec, nil
}

// stampValue accepts the numeric forms a JSON store produces.
func stampValue(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, true
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}

		return int64(n), true
	case int64:
		return n, n >= 0
	case int:
		return int64(n), n >= 0
	default:
		return 0, false
	}
}

// persistable returns rec ready to be written as remote-origin state.
func persistable(rec entity.Record) entity.Record {
	rec.SyncStatus = entity.StatusSynced
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = oldestRemoteStamp
	}

	return rec
}
