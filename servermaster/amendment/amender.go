package amendment

import (
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/placement"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
	"github.com/hanfei1991/streamplace/servermaster/storage"
)

// Deployer pushes committed decomposed plans to the topology nodes.
//
//go:generate mockgen -destination mock/deployer_mock.go -package mock . Deployer
type Deployer interface {
	// Undeploy tears down the plans of removal contexts.
	Undeploy(ctx context.Context, req model.RequestType, contexts []plan.DeploymentContext) error
	// Deploy starts or replaces the plans of the other contexts.
	Deploy(ctx context.Context, req model.RequestType, contexts []plan.DeploymentContext) error
}

// Recorder persists the deployment contexts of committed amendments.
type Recorder interface {
	Apply(ctx context.Context, contexts []plan.DeploymentContext) error
}

// StatusListener is told the run-state of every query of an amended plan.
type StatusListener interface {
	QueryStateChanged(id model.QueryID, state model.QueryState)
}

// Config configures how amendments are computed.
type Config struct {
	Strategy model.PlacementStrategy
	// IncrementalPlacement re-places only operators affected by recorded
	// changes. When disabled every amendment redeploys the whole plan.
	IncrementalPlacement bool
	OperatorCost         model.RescUnit
}

// Amender computes, commits and deploys the placement of one shared query
// plan. It implements Executor.
type Amender struct {
	storage     storage.Handler
	strategy    placement.Strategy
	deployer    Deployer
	incremental bool
	cost        model.RescUnit

	recorder Recorder
	listener StatusListener
	registry *queryplan.Registry
}

// AmenderOption customizes an Amender.
type AmenderOption func(a *Amender)

// WithRecorder persists every committed amendment through r.
func WithRecorder(r Recorder) AmenderOption {
	return func(a *Amender) {
		a.recorder = r
	}
}

// WithStatusListener reports query run-states to l.
func WithStatusListener(l StatusListener) AmenderOption {
	return func(a *Amender) {
		a.listener = l
	}
}

// WithRegistry lets the amender drop stopped or failed plans from r once
// they were torn down.
func WithRegistry(r *queryplan.Registry) AmenderOption {
	return func(a *Amender) {
		a.registry = r
	}
}

// NewAmender creates an Amender accessing the cluster state through st.
func NewAmender(cfg *Config, st storage.Handler, deployer Deployer, opts ...AmenderOption) (*Amender, error) {
	strategy, err := placement.NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	a := &Amender{
		storage:     st,
		strategy:    strategy,
		deployer:    deployer,
		incremental: cfg.IncrementalPlacement,
		cost:        cfg.OperatorCost,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RequestTypeFor derives the kind of amendment from the plan status. It
// returns false if the plan needs no amendment.
func RequestTypeFor(status model.SharedQueryPlanStatus, incremental bool) (model.RequestType, bool) {
	switch status {
	case model.SharedQueryCreated, model.SharedQueryUpdated, model.SharedQueryMigrating:
		if incremental {
			return model.RequestAddQuery, true
		}
		return model.RequestRestartQuery, true
	case model.SharedQueryPartiallyProcessed:
		return model.RequestRestartQuery, true
	case model.SharedQueryStopped:
		return model.RequestStopQuery, true
	case model.SharedQueryFailed:
		return model.RequestFailQuery, true
	}
	return 0, false
}

func resourcesFor(req model.RequestType) []storage.ResourceType {
	if req == model.RequestStopQuery || req == model.RequestFailQuery {
		return []storage.ResourceType{storage.ResourceTopology, storage.ResourceExecutionPlan, storage.ResourceQueryCatalog}
	}
	return storage.AllResources
}

// Execute implements Executor.
func (a *Amender) Execute(ctx context.Context, inst *Instance) (model.PlanVersion, error) {
	sqp := inst.Plan()
	snap := sqp.Snapshot()
	req, ok := RequestTypeFor(snap.Status, a.incremental)
	if !ok {
		log.L().Debug("shared query plan needs no amendment",
			zap.Uint64("shared-query-id", uint64(snap.ID)),
			zap.Stringer("status", snap.Status))
		return 0, nil
	}
	logger := log.L().With(
		zap.Uint64("shared-query-id", uint64(snap.ID)),
		zap.Stringer("request", req))

	var commits []*plan.CommitResult
	err := a.storage.WithStorage(ctx, resourcesFor(req), func(r *storage.Resources) error {
		var err error
		commits, err = a.place(ctx, r, req, snap)
		return err
	})
	if err != nil {
		return 0, err
	}
	sqp.ClearChangesUpTo(snap.Changes.Seq)

	version := commits[len(commits)-1].Version
	var removals, additions []plan.DeploymentContext
	for _, res := range commits {
		for _, dc := range res.Contexts {
			if dc.State == model.QueryMarkedForRemoval {
				removals = append(removals, dc)
			} else {
				additions = append(additions, dc)
			}
		}
	}

	if err := a.deploy(ctx, req, removals, additions); err != nil {
		status := sqp.Settle(model.SharedQueryPartiallyProcessed)
		logger.Error("deployment failed", zap.Error(err), zap.Stringer("status", status))
		return version, derror.ErrAmendmentFailed.Wrap(err).GenWithStackByArgs(snap.ID)
	}
	if a.recorder != nil {
		contexts := append(append([]plan.DeploymentContext(nil), removals...), additions...)
		if err := a.recorder.Apply(ctx, contexts); err != nil {
			logger.Warn("failed to record deployment contexts", zap.Error(err))
		}
	}

	var migrating bool
	state := finalQueryState(req)
	err = a.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceExecutionPlan, storage.ResourceQueryCatalog},
		func(r *storage.Resources) error {
			ep, err := r.ExecutionPlan()
			if err != nil {
				return err
			}
			qc, err := r.QueryCatalog()
			if err != nil {
				return err
			}
			migrating = false
			if req == model.RequestAddQuery || req == model.RequestRestartQuery {
				migrating = ep.MarkDeployed(snap.ID, version)
			}
			s := state
			if migrating {
				s = model.QueryMigrating
			}
			qc.SetSharedQueryState(snap.ID, s)
			for _, q := range snap.Queries {
				qc.SetQueryState(q, s)
			}
			return nil
		})
	if err != nil {
		return version, err
	}
	if migrating {
		state = model.QueryMigrating
	}

	switch req {
	case model.RequestAddQuery, model.RequestRestartQuery:
		status := model.SharedQueryDeployed
		if migrating {
			status = model.SharedQueryMigrating
		}
		status = sqp.Settle(status)
		logger.Info("shared query plan amended",
			zap.Uint64("version", uint64(version)),
			zap.Int("deployed", len(additions)),
			zap.Int("undeployed", len(removals)),
			zap.Stringer("status", status))
	default:
		if a.registry != nil {
			a.registry.Remove(snap.ID)
		}
		logger.Info("shared query plan torn down",
			zap.Uint64("version", uint64(version)),
			zap.Int("undeployed", len(removals)))
	}
	if a.listener != nil {
		for _, q := range snap.Queries {
			a.listener.QueryStateChanged(q, state)
		}
	}
	return version, nil
}

// place computes and commits the new placement. A restart replaces the
// committed placement in a single commit so that every plan is deployed
// afresh and a rejected commit leaves the prior plans in place.
func (a *Amender) place(
	ctx context.Context, r *storage.Resources, req model.RequestType, snap *queryplan.Snapshot,
) ([]*plan.CommitResult, error) {
	topo, err := r.Topology()
	if err != nil {
		return nil, err
	}
	ep, err := r.ExecutionPlan()
	if err != nil {
		return nil, err
	}
	qc, err := r.QueryCatalog()
	if err != nil {
		return nil, err
	}

	var ret []*plan.CommitResult
	commit := func(delta *plan.Delta) error {
		failpoint.Inject("amendmentBeforeCommit", func() {
			failpoint.Return(derror.ErrAmendmentFailed.GenWithStackByArgs(snap.ID))
		})
		res, err := ep.Commit(delta, topo)
		if err != nil {
			return errors.Trace(err)
		}
		ret = append(ret, res)
		return nil
	}

	switch req {
	case model.RequestStopQuery, model.RequestFailQuery:
		if err := commit(&plan.Delta{SharedQueryID: snap.ID}); err != nil {
			return nil, err
		}
	case model.RequestAddQuery, model.RequestRestartQuery:
		sc, err := r.SourceCatalog()
		if err != nil {
			return nil, err
		}
		graph, err := queryplan.ExpandLogicalSources(snap.Graph, sc)
		if err != nil {
			return nil, err
		}
		delta, err := a.strategy.Place(ctx, &placement.Request{
			SharedQueryID: snap.ID,
			Graph:         graph,
			Topology:      topo,
			Prior:         ep.Placement(snap.ID),
			Changes:       snap.Changes,
			Full:          req == model.RequestRestartQuery,
			OperatorCost:  a.cost,
		})
		if err != nil {
			return nil, err
		}
		// a restart tears the prior plans down rather than migrating them
		delta.Replace = req == model.RequestRestartQuery
		if err := commit(delta); err != nil {
			return nil, err
		}
	default:
		log.L().Panic("unreachable request type", zap.Stringer("request", req))
	}

	state := model.QueryOptimizing
	switch req {
	case model.RequestStopQuery:
		state = model.QueryMarkedForRemoval
	case model.RequestFailQuery:
		state = model.QueryFailed
	}
	qc.SetSharedQueryState(snap.ID, state)
	for _, q := range snap.Queries {
		qc.SetQueryState(q, state)
	}
	return ret, nil
}

func (a *Amender) deploy(ctx context.Context, req model.RequestType, removals, additions []plan.DeploymentContext) error {
	var err error
	if len(removals) > 0 {
		err = multierr.Append(err, a.deployer.Undeploy(ctx, req, removals))
	}
	if len(additions) > 0 {
		err = multierr.Append(err, a.deployer.Deploy(ctx, req, additions))
	}
	return err
}

func finalQueryState(req model.RequestType) model.QueryState {
	switch req {
	case model.RequestStopQuery:
		return model.QueryStopped
	case model.RequestFailQuery:
		return model.QueryFailed
	}
	return model.QueryRunning
}
