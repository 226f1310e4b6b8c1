// Package remote defines the contract between the sync engine and the
// shared real-time store, and provides three implementations of it: an
// in-memory store (used by the hub and by tests), a WebSocket hub server
// exposing that store, and a WebSocket client that implements the same
// contract against a hub.
//
// Paths follow the remotepath scheme. Entity operations take entity paths;
// QueryRange and Subscribe take collection paths.
package remote

import (
	"context"
	"math"
	"reflect"
)

// LiveOnly as the since argument to Subscribe skips replay: only events
// committed after the subscription attaches are delivered.
const LiveOnly int64 = math.MaxInt64

// Entry is one document as the remote store holds it. ServerTime is the
// store's own strictly increasing clock at the document's last write; it is
// unrelated to the updatedAt field inside Value.
type Entry struct {
	Key        string         `json:"key"`
	Value      map[string]any `json:"value"`
	ServerTime int64          `json:"serverTime"`
}

// Snapshot is the result of a bounded query. ServerTime is the store clock
// at the moment the snapshot was taken; subscribing with it as since
// delivers exactly what the snapshot missed.
type Snapshot struct {
	Entries    []Entry `json:"entries"`
	ServerTime int64   `json:"serverTime"`
}

// Query narrows a collection to documents whose Field equals Equals. The
// zero Query matches everything.
type Query struct {
	Field  string `json:"field,omitempty"`
	Equals any    `json:"equals,omitempty"`
}

// Matches reports whether a document value satisfies the query. Equals must
// be in normalized JSON form.
func (q Query) Matches(value map[string]any) bool {
	if q.Field == "" {
		return true
	}

	return reflect.DeepEqual(value[q.Field], q.Equals)
}

// EventKind distinguishes subscription events.
type EventKind string

// Subscription event kinds.
const (
	EventAdded   EventKind = "added"
	EventChanged EventKind = "changed"
	EventRemoved EventKind = "removed"
)

// Event is one change delivered to a subscription. For removals Entry.Value
// holds the last value before removal.
type Event struct {
	Kind  EventKind `json:"kind"`
	Entry Entry     `json:"entry"`
}

// Handler receives subscription events in server-time order. Handlers run
// on a delivery goroutine owned by the store and must not block forever.
type Handler func(Event)

// MergeFunc computes a document's next value from its current one inside
// TransactionalIncrement. current is nil when the document does not exist.
type MergeFunc func(current map[string]any) (map[string]any, error)

// Store is the remote store contract the sync engine depends on.
type Store interface {
	Get(ctx context.Context, path string) (Entry, error)
	Set(ctx context.Context, path string, value map[string]any) error
	Update(ctx context.Context, path string, partial map[string]any) error
	Remove(ctx context.Context, path string) error

	// QueryRange returns every live document of a collection matching q.
	QueryRange(ctx context.Context, path string, q Query) (Snapshot, error)

	// Subscribe first replays every document (and removal) of the
	// collection matching q whose ServerTime is after since, then streams
	// live events. The returned func detaches the subscription.
	Subscribe(ctx context.Context, path string, q Query, since int64, h Handler) (func(), error)

	// TransactionalIncrement atomically replaces the document at path with
	// fn's result and returns the stored value.
	TransactionalIncrement(ctx context.Context, path string, fn MergeFunc) (map[string]any, error)
}
