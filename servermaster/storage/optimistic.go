package storage

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	derror "github.com/hanfei1991/streamplace/pkg/errors"
)

// optimisticHandler runs accesses against private clones of the acquired
// resources. On return the revisions recorded at snapshot time are
// compared with the live ones: if any acquired resource changed, the
// clones are dropped and the access is run again, up to the retry budget.
// Otherwise the modified clones replace the live resources.
type optimisticHandler struct {
	mu      sync.Mutex
	state   *ClusterState
	budget  int
	limiter *rate.Limiter
	metrics *metrics
}

func newOptimisticHandler(state *ClusterState, cfg *Config, m *metrics) *optimisticHandler {
	budget := cfg.OCCRetryBudget
	if budget <= 0 {
		budget = defaultOCCRetryBudget
	}
	return &optimisticHandler{
		state:   state,
		budget:  budget,
		limiter: rate.NewLimiter(rate.Every(cfg.OCCRetryBackoff.Duration()), 1),
		metrics: m,
	}
}

func (h *optimisticHandler) Mode() AccessMode {
	return AccessOptimistic
}

type snapshot struct {
	revisions map[ResourceType]uint64
	resources *Resources
}

func (h *optimisticHandler) snapshot(needed []ResourceType) *snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &snapshot{
		revisions: make(map[ResourceType]uint64, len(needed)),
		resources: &Resources{items: make(map[ResourceType]versioned, len(needed))},
	}
	for _, t := range needed {
		s.revisions[t] = h.state.get(t).Revision()
		s.resources.items[t] = h.state.clone(t)
	}
	return s
}

// commit validates the snapshot and installs the modified clones.
func (h *optimisticHandler) commit(s *snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for t, rev := range s.revisions {
		live := h.state.get(t).Revision()
		failpoint.Inject("occCommitConflict", func() {
			live = rev + 1
		})
		if live != rev {
			return derror.ErrVersionConflict.GenWithStackByArgs(t, rev, live)
		}
	}
	for t, rev := range s.revisions {
		if v := s.resources.items[t]; v.Revision() != rev {
			h.state.set(t, v)
		}
	}
	return nil
}

func (h *optimisticHandler) WithStorage(ctx context.Context, resources []ResourceType, fn AccessFunc) error {
	needed := dedupe(resources, AllResources)
	var lastConflict error
	for attempt := 1; attempt <= h.budget; attempt++ {
		if attempt > 1 {
			if err := h.limiter.Wait(ctx); err != nil {
				return errors.Trace(err)
			}
		}
		h.metrics.attempts.Inc()

		s := h.snapshot(needed)
		if err := fn(s.resources); err != nil {
			return err
		}
		err := h.commit(s)
		if err == nil {
			return nil
		}
		if !derror.IsVersionConflict(err) {
			return err
		}
		h.metrics.conflicts.Inc()
		lastConflict = err
		log.L().Warn("optimistic commit rejected, retrying",
			zap.Int("attempt", attempt),
			zap.Int("budget", h.budget),
			zap.Error(err))
	}
	return derror.ErrOCCRetryExhausted.Wrap(lastConflict).GenWithStackByArgs(h.budget)
}
