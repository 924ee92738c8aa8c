package planstore

import (
	"context"
	"sort"
	"strconv"

	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/dataset"
	"github.com/hanfei1991/streamplace/pkg/metaclient"
	"github.com/hanfei1991/streamplace/servermaster/plan"
)

// Record is the last deployment context committed for one decomposed plan.
type Record struct {
	SharedQueryID  model.SharedQueryID    `json:"shared-query-id"`
	NodeID         model.NodeID           `json:"node-id"`
	PlanID         model.DecomposedPlanID `json:"plan-id"`
	Version        model.PlanVersion      `json:"version"`
	State          model.QueryState       `json:"state"`
	Plan           *plan.DecomposedPlan   `json:"plan,omitempty"`
	AwaitCutoverOf *plan.CutoverRef       `json:"await-cutover-of,omitempty"`
}

func (r *Record) ID() string {
	return strconv.FormatUint(uint64(r.PlanID), 10)
}

// Store persists committed deployment contexts in the meta store, one
// dataset per shared query plan.
type Store struct {
	kv     metaclient.KV
	prefix string
}

// New creates a Store writing under prefix.
func New(kv metaclient.KV, prefix string) *Store {
	return &Store{kv: kv, prefix: prefix}
}

func (s *Store) dataset(id model.SharedQueryID) *dataset.DataSet[Record, *Record] {
	return dataset.NewDataSet[Record, *Record](s.kv,
		metaclient.NewKeyAdapter(s.prefix, "plans", strconv.FormatUint(uint64(id), 10)))
}

// Apply writes the contexts of one amendment. Removal contexts delete the
// stored plan. Every context is attempted, failures are combined.
func (s *Store) Apply(ctx context.Context, contexts []plan.DeploymentContext) error {
	var errs error
	for _, dc := range contexts {
		ds := s.dataset(dc.SharedQueryID)
		rec := &Record{
			SharedQueryID:  dc.SharedQueryID,
			NodeID:         dc.NodeID,
			PlanID:         dc.PlanID,
			Version:        dc.Version,
			State:          dc.State,
			Plan:           dc.Plan,
			AwaitCutoverOf: dc.AwaitCutoverOf,
		}
		if dc.State == model.QueryMarkedForRemoval {
			errs = multierr.Append(errs, ds.Delete(ctx, rec.ID()))
			continue
		}
		errs = multierr.Append(errs, ds.Upsert(ctx, rec))
	}
	if errs != nil {
		log.L().Warn("failed to persist deployment contexts",
			zap.Int("contexts", len(contexts)), zap.Error(errs))
	}
	return errs
}

// Load returns the stored plans of a shared query plan ordered by node,
// then plan id.
func (s *Store) Load(ctx context.Context, id model.SharedQueryID) ([]*Record, error) {
	recs, err := s.dataset(id).List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].NodeID != recs[j].NodeID {
			return recs[i].NodeID < recs[j].NodeID
		}
		return recs[i].PlanID < recs[j].PlanID
	})
	return recs, nil
}

// Get returns one stored plan.
func (s *Store) Get(ctx context.Context, id model.SharedQueryID, planID model.DecomposedPlanID) (*Record, error) {
	return s.dataset(id).Get(ctx, strconv.FormatUint(uint64(planID), 10))
}
