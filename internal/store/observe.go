package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/cartsync/internal/entity"
)

// observer is one reactive query. dirty holds at most one pending wake-up,
// so commits landing while the subscriber re-evaluates collapse into one
// snapshot of the newest state.
type observer struct {
	filter Filter
	dirty  chan struct{}
}

// observerSet is the registry of live observers. Notification runs after
// commit on the writer's goroutine and never blocks it.
type observerSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*observer

	notifications atomic.Int64
}

func newObserverSet() *observerSet {
	return &observerSet{subs: make(map[int]*observer)}
}

func (o *observerSet) add(f Filter) (int, *observer) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	obs := &observer{filter: f, dirty: make(chan struct{}, 1)}
	o.subs[o.nextID] = obs

	return o.nextID, obs
}

func (o *observerSet) remove(id int) {
	o.mu.Lock()
	delete(o.subs, id)
	o.mu.Unlock()
}

// notify wakes every observer whose filter matches the before- or
// after-image of any change. Matching either side is what makes field
// edits of an already-matching row re-emit, and what makes a row that
// leaves the result set re-emit too.
func (o *observerSet) notify(changes []change) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, obs := range o.subs {
		if !affects(obs.filter, changes) {
			continue
		}

		o.notifications.Add(1)

		select {
		case obs.dirty <- struct{}{}:
		default:
		}
	}
}

func affects(f Filter, changes []change) bool {
	for _, c := range changes {
		if c.typ != f.Type {
			continue
		}

		if c.before != nil && f.Matches(*c.before) {
			return true
		}

		if c.after != nil && f.Matches(*c.after) {
			return true
		}
	}

	return false
}

// Observe runs a reactive query. The returned channel receives the current
// result set immediately and again after every committed write that could
// affect it. The channel is closed when ctx is canceled or the returned
// stop func is called.
func (s *Store) Observe(ctx context.Context, f Filter) (<-chan []entity.Record, func(), error) {
	nf, err := f.normalized()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	// Register before the first query so a commit between the query and
	// the first wait is not missed.
	id, obs := s.observers.add(nf)
	out := make(chan []entity.Record)

	go func() {
		defer close(out)
		defer s.observers.remove(id)

		for {
			recs, err := s.Query(ctx, nf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				s.logger.Warn("observer query failed",
					slog.String("type", nf.Type.String()),
					slog.String("error", err.Error()),
				)
			} else {
				select {
				case out <- recs:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-obs.dirty:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// ObserverNotifications returns how many times any observer was woken by a
// commit. Tests use it to assert that suppressed writes wake nobody.
func (s *Store) ObserverNotifications() int64 {
	return s.observers.notifications.Load()
}
