package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// SliceQueue is a FIFO queue with a channel that is signalled whenever
// elements are added, so that consumers can select on it.
type SliceQueue[T any] struct {
	mu    sync.Mutex
	elems deque.Deque

	// C is signalled (non-blocking, capacity 1) after every Add.
	C chan struct{}
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		elems: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Add appends elem to the back of the queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.elems.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes and returns the front element.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.elems.Empty() {
		var zero T
		return zero, false
	}
	return q.elems.PopFront().(T), true
}

// Peek returns the front element without removing it.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.elems.Empty() {
		var zero T
		return zero, false
	}
	return q.elems.Front().(T), true
}

// Size returns the number of queued elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.elems.Len()
}

// Drain removes and returns every queued element in FIFO order.
func (q *SliceQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	ret := make([]T, 0, q.elems.Len())
	for !q.elems.Empty() {
		ret = append(ret, q.elems.PopFront().(T))
	}
	return ret
}

var _ Queue[int] = (*SliceQueue[int])(nil)
