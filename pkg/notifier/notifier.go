package notifier

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/hanfei1991/streamplace/pkg/containers"
)

// Filter decides whether a receiver is interested in an event.
type Filter[T any] func(event T) bool

// Notifier fans out events from any number of producers to every
// subscribed Receiver, preserving the order in which events were posted.
type Notifier[T any] struct {
	mu        sync.RWMutex
	receivers map[int64]*Receiver[T]
	nextID    atomic.Int64

	pending *containers.SliceQueue[T]
	// delivered counts events already handed to all receivers.
	posted    atomic.Int64
	delivered atomic.Int64

	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// Receiver is one subscription on a Notifier.
type Receiver[T any] struct {
	id     int64
	C      chan T
	filter Filter[T]

	closing  chan struct{}
	closed   atomic.Bool
	notifier *Notifier[T]
}

// NewNotifier creates a Notifier and starts its dispatch goroutine.
func NewNotifier[T any]() *Notifier[T] {
	n := &Notifier[T]{
		receivers: make(map[int64]*Receiver[T]),
		pending:   containers.NewSliceQueue[T](),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// NewReceiver subscribes to every event.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	return n.NewFilteredReceiver(nil)
}

// NewFilteredReceiver subscribes to events accepted by filter.
func (n *Notifier[T]) NewFilteredReceiver(filter Filter[T]) *Receiver[T] {
	r := &Receiver[T]{
		id:       n.nextID.Add(1),
		C:        make(chan T, 64),
		filter:   filter,
		closing:  make(chan struct{}),
		notifier: n,
	}
	n.mu.Lock()
	n.receivers[r.id] = r
	n.mu.Unlock()
	return r
}

// Close unsubscribes the receiver and closes its channel.
func (r *Receiver[T]) Close() {
	if !r.closed.CAS(false, true) {
		return
	}
	close(r.closing)
	n := r.notifier
	n.mu.Lock()
	delete(n.receivers, r.id)
	n.mu.Unlock()
	// The dispatcher holds the read lock while sending, so once the entry is
	// removed under the write lock no further send can happen on r.C.
	close(r.C)
}

// Notify posts an event. It never blocks on slow receivers.
func (n *Notifier[T]) Notify(event T) {
	n.posted.Inc()
	n.pending.Add(event)
}

// Flush waits until every event posted before the call has been delivered.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	target := n.posted.Load()
	for n.delivered.Load() < target {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-n.doneCh:
			return nil
		default:
		}
		if err := sleepCtx(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the dispatcher and closes all receivers.
func (n *Notifier[T]) Close() {
	n.once.Do(func() {
		close(n.closeCh)
		<-n.doneCh

		n.mu.RLock()
		receivers := make([]*Receiver[T], 0, len(n.receivers))
		for _, r := range n.receivers {
			receivers = append(receivers, r)
		}
		n.mu.RUnlock()

		for _, r := range receivers {
			r.Close()
		}
	})
}

func (n *Notifier[T]) dispatch() {
	defer close(n.doneCh)

	for {
		select {
		case <-n.closeCh:
			return
		case <-n.pending.C:
		}

		for {
			event, ok := n.pending.Pop()
			if !ok {
				break
			}
			if !n.deliver(event) {
				return
			}
			n.delivered.Inc()
		}
	}
}

func (n *Notifier[T]) deliver(event T) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, r := range n.receivers {
		if r.filter != nil && !r.filter(event) {
			continue
		}
		select {
		case <-n.closeCh:
			return false
		case <-r.closing:
		case r.C <- event:
		}
	}
	return true
}
