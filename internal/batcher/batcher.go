// Package batcher coalesces independent requests into batched service calls.
package batcher

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	numPriorities
)

// Consumer receives the batches. It is called from the batcher worker
// goroutine, one batch at a time.
type Consumer[T any] interface {
	ProcessRequests(batch []T)
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc[T any] func(batch []T)

func (f ConsumerFunc[T]) ProcessRequests(batch []T) { f(batch) }

// Batcher queues requests in three priority FIFOs and hands them to its
// consumer in batches of at most MaxPerCall (0 = unbounded).
//
// A batch goes out immediately once MaxPerCall requests are pending, unless
// the holdoff after the previous batch is still running. Otherwise it goes
// out MinHoldoff after the first pending request was queued. After a batch
// of n requests the next one is held off for
// MinHoldoff + (MaxHoldoff-MinHoldoff)*n/MaxPerCall.
type Batcher[T any] struct {
	name     string
	consumer Consumer[T]
	log      *logrus.Logger

	mu          sync.Mutex
	queues      [numPriorities]deque.Deque[T]
	maxPerCall  int
	minHoldoff  time.Duration
	maxHoldoff  time.Duration
	firstQueued time.Time
	nextAllowed time.Time

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any](
	name string,
	consumer Consumer[T],
	maxPerCall int,
	minHoldoff, maxHoldoff time.Duration,
	log *logrus.Logger,
) *Batcher[T] {
	b := &Batcher[T]{
		name:     name,
		consumer: consumer,
		log:      log,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.setParamsLocked(maxPerCall, minHoldoff, maxHoldoff)
	go b.run()
	return b
}

// PushRequest queues one request.
func (b *Batcher[T]) PushRequest(req T, prio Priority) {
	b.PushRequests([]T{req}, prio)
}

// PushRequests queues requests in order, all with the same priority.
func (b *Batcher[T]) PushRequests(reqs []T, prio Priority) {
	if len(reqs) == 0 {
		return
	}
	if prio < PriorityLow || prio >= numPriorities {
		prio = PriorityLow
	}
	b.mu.Lock()
	if b.pendingLocked() == 0 {
		b.firstQueued = time.Now()
	}
	for _, r := range reqs {
		b.queues[prio].PushBack(r)
	}
	b.mu.Unlock()
	b.signal()
}

// Clear drops every queued request without handing it to the consumer.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	for i := range b.queues {
		b.queues[i].Clear()
	}
	b.firstQueued = time.Time{}
	b.mu.Unlock()
}

// SetParams changes the batching limits. Negative values are treated as 0
// and maxHoldoff is raised to minHoldoff if needed.
func (b *Batcher[T]) SetParams(maxPerCall int, minHoldoff, maxHoldoff time.Duration) {
	b.mu.Lock()
	b.setParamsLocked(maxPerCall, minHoldoff, maxHoldoff)
	b.mu.Unlock()
	b.signal()
}

func (b *Batcher[T]) setParamsLocked(maxPerCall int, minHoldoff, maxHoldoff time.Duration) {
	if maxPerCall < 0 {
		maxPerCall = 0
	}
	if minHoldoff < 0 {
		minHoldoff = 0
	}
	if maxHoldoff < minHoldoff {
		maxHoldoff = minHoldoff
	}
	b.maxPerCall = maxPerCall
	b.minHoldoff = minHoldoff
	b.maxHoldoff = maxHoldoff
}

func (b *Batcher[T]) MaxPerCall() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxPerCall
}

func (b *Batcher[T]) MinHoldoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minHoldoff
}

func (b *Batcher[T]) MaxHoldoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxHoldoff
}

// Pending returns the number of queued requests over all priorities.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

func (b *Batcher[T]) Empty() bool {
	return b.Pending() == 0
}

// Stop ends the worker goroutine. Queued requests are dropped.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
	b.Clear()
}

func (b *Batcher[T]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Batcher[T]) pendingLocked() int {
	n := 0
	for i := range b.queues {
		n += b.queues[i].Len()
	}
	return n
}

// holdoffLocked is the pause after a batch of n requests.
func (b *Batcher[T]) holdoffLocked(n int) time.Duration {
	if b.maxPerCall <= 0 {
		return b.minHoldoff
	}
	if n > b.maxPerCall {
		n = b.maxPerCall
	}
	return b.minHoldoff + time.Duration(int64(b.maxHoldoff-b.minHoldoff)*int64(n)/int64(b.maxPerCall))
}

// takeLocked pops up to maxPerCall requests, highest priority first.
func (b *Batcher[T]) takeLocked() []T {
	n := b.pendingLocked()
	if b.maxPerCall > 0 && n > b.maxPerCall {
		n = b.maxPerCall
	}
	batch := make([]T, 0, n)
	for p := PriorityHigh; p >= PriorityLow && len(batch) < n; p-- {
		for b.queues[p].Len() > 0 && len(batch) < n {
			batch = append(batch, b.queues[p].PopFront())
		}
	}
	return batch
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var batch []T
		var wait time.Duration = -1

		b.mu.Lock()
		if pending := b.pendingLocked(); pending > 0 {
			now := time.Now()
			ready := b.firstQueued.Add(b.minHoldoff)
			if b.maxPerCall > 0 && pending >= b.maxPerCall {
				ready = now
			}
			if ready.Before(b.nextAllowed) {
				ready = b.nextAllowed
			}
			if now.Before(ready) {
				wait = ready.Sub(now)
			} else {
				batch = b.takeLocked()
				b.nextAllowed = now.Add(b.holdoffLocked(len(batch)))
				if b.pendingLocked() == 0 {
					b.firstQueued = time.Time{}
				}
			}
		}
		b.mu.Unlock()

		if batch != nil {
			if b.log != nil {
				b.log.WithFields(logrus.Fields{
					"Batcher": b.name,
					"Size":    len(batch),
				}).Traceln("flushing batch")
			}
			b.consumer.ProcessRequests(batch)
			continue
		}

		var timeout <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timeout = timer.C
		}

		select {
		case <-b.stop:
			return
		case <-b.wake:
		case <-timeout:
			continue
		}
		if wait >= 0 && !timer.Stop() {
			<-timer.C
		}
	}
}
