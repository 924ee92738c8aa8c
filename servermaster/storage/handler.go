package storage

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/promutil"
)

// AccessFunc runs against the acquired resources. Returning an error
// aborts the access: under optimistic access nothing is committed.
type AccessFunc func(r *Resources) error

// Handler isolates accesses to the cluster state from each other.
type Handler interface {
	// WithStorage runs fn with access to the given resources. The access
	// mode only changes how fn is isolated from concurrent accesses.
	WithStorage(ctx context.Context, resources []ResourceType, fn AccessFunc) error
	Mode() AccessMode
}

// NewHandler creates the handler selected by cfg. cfg must be adjusted.
func NewHandler(state *ClusterState, cfg *Config, factory promutil.Factory) (Handler, error) {
	order := cfg.ResolvedLockOrder()
	if len(order) == 0 {
		order = append(order, AllResources...)
	}
	m := newMetrics(factory)
	switch cfg.AccessMode {
	case AccessOptimistic:
		return newOptimisticHandler(state, cfg, m), nil
	case AccessTwoPhaseLocking, "":
		return newTwoPhaseLockingHandler(state, order, cfg.LockTimeout.Duration(), m), nil
	}
	return nil, derror.ErrInvalidConfig.GenWithStackByArgs("unknown access mode " + string(cfg.AccessMode))
}

type metrics struct {
	conflicts prometheus.Counter
	attempts  prometheus.Counter
	lockWait  prometheus.Histogram
}

func newMetrics(factory promutil.Factory) *metrics {
	if factory == nil {
		factory = promutil.NewNopFactory()
	}
	return &metrics{
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "occ_conflicts_total",
			Help:      "Number of optimistic commits rejected because a resource changed.",
		}),
		attempts: factory.NewCounter(prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "access_attempts_total",
			Help:      "Number of accesses run against the cluster state, retries included.",
		}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring resource locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}
}

// dedupe returns the distinct resources sorted by their position in order.
func dedupe(resources []ResourceType, order []ResourceType) []ResourceType {
	rank := make(map[ResourceType]int, len(order))
	for i, t := range order {
		rank[t] = i
	}
	seen := make(map[ResourceType]struct{}, len(resources))
	ret := make([]ResourceType, 0, len(resources))
	for _, t := range resources {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool { return rank[ret[i]] < rank[ret[j]] })
	return ret
}
