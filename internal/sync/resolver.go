package sync

import "github.com/tonimelisma/cartsync/internal/entity"

// Decision is the resolver's verdict on an incoming remote record.
type Decision int

// Resolver decisions.
const (
	DecisionApply     Decision = iota // write the incoming record
	DecisionSkipStale                 // local record is strictly newer
	DecisionSkipNoop                  // nothing user-visible would change
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionSkipStale:
		return "skip_stale"
	case DecisionSkipNoop:
		return "skip_noop"
	default:
		return "unknown"
	}
}

// Resolve decides whether incoming should overwrite local (nil when the
// record is not stored locally). Two checks, in order:
//
//  1. Staleness: a local record with a strictly newer UpdatedAt wins. A
//     missing remote timestamp decodes as 0 and always loses.
//  2. No-op: identical fields and tombstone state are not written, so
//     observers are not woken by an echo or a duplicate delivery.
//
// Equal timestamps with different fields apply: ties go to the remote.
func Resolve(local *entity.Record, incoming entity.Record) Decision {
	if local == nil {
		return DecisionApply
	}

	if local.UpdatedAt > incoming.UpdatedAt {
		return DecisionSkipStale
	}

	if local.Deleted == incoming.Deleted && entity.FieldsEqual(local.Fields, incoming.Fields) {
		return DecisionSkipNoop
	}

	return DecisionApply
}
