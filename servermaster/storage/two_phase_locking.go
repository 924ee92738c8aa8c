package storage

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	derror "github.com/hanfei1991/streamplace/pkg/errors"
)

// twoPhaseLockingHandler takes an exclusive lock per resource in a fixed
// global order and releases every lock when the access returns, panics
// included.
type twoPhaseLockingHandler struct {
	state       *ClusterState
	locks       map[ResourceType]*semaphore.Weighted
	order       []ResourceType
	lockTimeout time.Duration
	metrics     *metrics
}

func newTwoPhaseLockingHandler(
	state *ClusterState, order []ResourceType, lockTimeout time.Duration, m *metrics,
) *twoPhaseLockingHandler {
	locks := make(map[ResourceType]*semaphore.Weighted, len(AllResources))
	for _, t := range AllResources {
		locks[t] = semaphore.NewWeighted(1)
	}
	return &twoPhaseLockingHandler{
		state:       state,
		locks:       locks,
		order:       order,
		lockTimeout: lockTimeout,
		metrics:     m,
	}
}

func (h *twoPhaseLockingHandler) Mode() AccessMode {
	return AccessTwoPhaseLocking
}

func (h *twoPhaseLockingHandler) WithStorage(ctx context.Context, resources []ResourceType, fn AccessFunc) error {
	needed := dedupe(resources, h.order)
	h.metrics.attempts.Inc()

	var held []ResourceType
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			h.locks[held[i]].Release(1)
		}
	}()

	start := time.Now()
	for _, t := range needed {
		if err := h.acquire(ctx, t); err != nil {
			return err
		}
		held = append(held, t)
	}
	h.metrics.lockWait.Observe(time.Since(start).Seconds())

	r := &Resources{items: make(map[ResourceType]versioned, len(needed))}
	for _, t := range needed {
		r.items[t] = h.state.get(t)
	}
	return fn(r)
}

func (h *twoPhaseLockingHandler) acquire(ctx context.Context, t ResourceType) error {
	lock, ok := h.locks[t]
	if !ok {
		return derror.ErrResourceNotAcquired.GenWithStackByArgs(t)
	}
	if h.lockTimeout <= 0 {
		return errors.Trace(lock.Acquire(ctx, 1))
	}
	lockCtx, cancel := context.WithTimeout(ctx, h.lockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		log.L().Warn("timed out acquiring resource lock",
			zap.Stringer("resource", t),
			zap.Duration("timeout", h.lockTimeout))
		return derror.ErrResourceLockTimeout.GenWithStackByArgs(t)
	}
	return nil
}
