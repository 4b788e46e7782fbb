package update

import (
	"sync"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/gammazero/deque"
)

// Queue is a bounded FIFO of updates. Producers never block: when the queue is
// full an update is folded into a neighbour and the neighbour's override
// counter is bumped.
type Queue[T any] struct {
	mu            sync.Mutex
	updates       deque.Deque[*Update[T]]
	capacity      int
	discardOldest bool
}

func NewQueue[T any](capacity int, discardOldest bool) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		capacity:      capacity,
		discardOldest: discardOldest,
	}
}

// PushUpdate adds u and reports whether the queue was empty before.
//
// Full queue, discard-oldest: the front is dropped and its count (plus its
// own overrides) is carried by the new front.
// Full queue, discard-newest: u is folded into the back slot, which takes
// u's payload.
func (q *Queue[T]) PushUpdate(u *Update[T]) (wasFirst bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.updates.Len() < q.capacity {
		wasFirst = q.updates.Len() == 0
		q.updates.PushBack(u)
		return wasFirst
	}

	if q.discardOldest {
		drop := q.updates.PopFront()
		if q.updates.Len() > 0 {
			q.updates.Front().OverrideCount(drop.Overrides + 1)
		} else {
			u.OverrideCount(drop.Overrides + 1)
		}
		q.updates.PushBack(u)
	} else {
		q.updates.Back().Override(u)
	}
	return false
}

// PopUpdate removes the front update. next is the reason of the update that
// is now at the front, or ReasonNone when the queue became empty.
// On an empty queue it returns nil and ReasonNone.
func (q *Queue[T]) PopUpdate() (u *Update[T], next model.ProcessReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.updates.Len() == 0 {
		return nil, model.ReasonNone
	}
	u = q.updates.PopFront()
	if q.updates.Len() > 0 {
		next = q.updates.Front().Reason
	}
	return u, next
}

// NextReason peeks at the reason of the front update.
func (q *Queue[T]) NextReason() model.ProcessReason {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.updates.Len() == 0 {
		return model.ReasonNone
	}
	return q.updates.Front().Reason
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updates.Len()
}

func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

func (q *Queue[T]) Capacity() int {
	return q.capacity
}

func (q *Queue[T]) DiscardOldest() bool {
	return q.discardOldest
}

// Clear drops all queued updates.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updates.Clear()
}
