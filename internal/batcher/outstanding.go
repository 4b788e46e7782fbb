package batcher

import (
	"sync"
)

// Outstanding tracks batches that were sent and await their response,
// keyed by transaction id. Its lock is never held while calling out.
type Outstanding[T any] struct {
	mu  sync.Mutex
	ops map[uint32][]T
}

func NewOutstanding[T any]() *Outstanding[T] {
	return &Outstanding[T]{ops: make(map[uint32][]T)}
}

func (o *Outstanding[T]) Add(id uint32, batch []T) {
	o.mu.Lock()
	o.ops[id] = batch
	o.mu.Unlock()
}

// Take removes and returns the batch registered under id.
func (o *Outstanding[T]) Take(id uint32) ([]T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch, ok := o.ops[id]
	if ok {
		delete(o.ops, id)
	}
	return batch, ok
}

// Clear forgets every outstanding batch and returns how many there were.
func (o *Outstanding[T]) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.ops)
	o.ops = make(map[uint32][]T)
	return n
}

func (o *Outstanding[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}
