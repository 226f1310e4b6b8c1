package remote

import "sync"

// deliveryQueue hands events to one handler in order on its own goroutine.
// The queue is unbounded so producers never block on a slow handler.
type deliveryQueue struct {
	handler Handler

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

func newDeliveryQueue(h Handler) *deliveryQueue {
	return &deliveryQueue{
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *deliveryQueue) enqueue(evs ...Event) {
	if len(evs) == 0 {
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, evs...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// stop ends delivery. Events still queued are dropped.
func (q *deliveryQueue) stop() {
	q.stopped.Do(func() { close(q.done) })
}

func (q *deliveryQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}

			ev := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}

			q.handler(ev)
		}
	}
}
