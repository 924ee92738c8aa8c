package amendment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/promutil"
	amock "github.com/hanfei1991/streamplace/servermaster/amendment/mock"
	"github.com/hanfei1991/streamplace/servermaster/catalog"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
	"github.com/hanfei1991/streamplace/servermaster/storage"
)

// newCluster builds
//
//	      1 (coordinator)
//	     / \
//	    2   3 (workers)
//	    |   |
//	    4   5 (sensors hosting cars and bikes)
func newCluster(t *testing.T, mode storage.AccessMode) storage.Handler {
	cfg := storage.DefaultConfig()
	cfg.AccessMode = mode
	cfg.OCCRetryBackoff = 0
	require.NoError(t, cfg.Adjust())
	st, err := storage.NewHandler(storage.NewClusterState(), cfg, promutil.NewNopFactory())
	require.NoError(t, err)

	err = st.WithStorage(context.Background(), storage.AllResources, func(r *storage.Resources) error {
		topo, err := r.Topology()
		require.NoError(t, err)
		sc, err := r.SourceCatalog()
		require.NoError(t, err)
		nodes := []model.NodeInfo{
			{ID: 1, Kind: model.NodeCoordinator, Capacity: 4},
			{ID: 2, Kind: model.NodeWorker, Capacity: 4},
			{ID: 3, Kind: model.NodeWorker, Capacity: 4},
			{ID: 4, Kind: model.NodeSensor, Capacity: 4},
			{ID: 5, Kind: model.NodeSensor, Capacity: 4},
		}
		for _, n := range nodes {
			require.NoError(t, topo.AddNode(n))
		}
		links := []model.LinkInfo{
			{Upstream: 2, Downstream: 1},
			{Upstream: 3, Downstream: 1},
			{Upstream: 4, Downstream: 2},
			{Upstream: 5, Downstream: 3},
		}
		for _, l := range links {
			require.NoError(t, topo.AddLink(l))
		}
		sc.RegisterPhysicalSource(catalog.PhysicalSource{Name: "cars-1", LogicalSource: "cars", NodeID: 4})
		sc.RegisterPhysicalSource(catalog.PhysicalSource{Name: "bikes-1", LogicalSource: "bikes", NodeID: 5})
		return nil
	})
	require.NoError(t, err)
	return st
}

func filterQuery(t *testing.T, alloc *autoid.IDAllocator, qid model.QueryID, source string) *queryplan.Query {
	b := queryplan.NewBuilder(alloc)
	b.Source(source).Filter("speed > 50").Sink("print", model.InvalidNodeID)
	q, err := b.Build(qid)
	require.NoError(t, err)
	return q
}

type mockListener struct {
	mock.Mock
}

func (l *mockListener) QueryStateChanged(id model.QueryID, state model.QueryState) {
	l.Called(id, state)
}

// recordingDeployer accepts everything and remembers the contexts.
type recordingDeployer struct {
	mu         sync.Mutex
	deployed   []plan.DeploymentContext
	undeployed []plan.DeploymentContext
}

func (d *recordingDeployer) Undeploy(ctx context.Context, req model.RequestType, contexts []plan.DeploymentContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undeployed = append(d.undeployed, contexts...)
	return nil
}

func (d *recordingDeployer) Deploy(ctx context.Context, req model.RequestType, contexts []plan.DeploymentContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed = append(d.deployed, contexts...)
	return nil
}

func newAmendmentHandler(
	t *testing.T, workers int, st storage.Handler, deployer Deployer, opts ...AmenderOption,
) *Handler {
	a, err := NewAmender(&Config{Strategy: model.PlacementBottomUp, IncrementalPlacement: true}, st, deployer, opts...)
	require.NoError(t, err)
	h := NewHandler(workers, a)
	require.NoError(t, h.Start(context.Background()))
	return h
}

func amend(t *testing.T, h *Handler, sqp *queryplan.SharedQueryPlan) Result {
	f, err := h.Submit(sqp)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	res, ok := f.Result()
	require.True(t, ok)
	return res
}

func withState(t *testing.T, st storage.Handler, fn func(ep *plan.ExecutionPlan, qc *catalog.QueryCatalog)) {
	err := st.WithStorage(context.Background(),
		[]storage.ResourceType{storage.ResourceExecutionPlan, storage.ResourceQueryCatalog},
		func(r *storage.Resources) error {
			ep, err := r.ExecutionPlan()
			require.NoError(t, err)
			qc, err := r.QueryCatalog()
			require.NoError(t, err)
			fn(ep, qc)
			return nil
		})
	require.NoError(t, err)
}

func TestAmendNewPlan(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	deployer := amock.NewMockDeployer(ctrl)
	var deployed []plan.DeploymentContext
	deployer.EXPECT().Deploy(gomock.Any(), model.RequestAddQuery, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ model.RequestType, contexts []plan.DeploymentContext) error {
			deployed = contexts
			return nil
		})
	listener := &mockListener{}
	listener.On("QueryStateChanged", model.QueryID(1), model.QueryRunning).Once()

	st := newCluster(t, storage.AccessTwoPhaseLocking)
	registry := queryplan.NewRegistry()
	sqp, err := registry.Add(filterQuery(t, autoid.NewIDAllocator(0), 1, "cars"), true)
	require.NoError(t, err)

	h := newAmendmentHandler(t, 1, st, deployer, WithStatusListener(listener), WithRegistry(registry))
	defer h.Shutdown()

	res := amend(t, h, sqp)
	require.NoError(t, res.Err)
	require.True(t, res.Succeeded)
	require.Equal(t, model.PlanVersion(1), res.Version)
	require.NotEmpty(t, deployed)
	for _, dc := range deployed {
		require.Equal(t, model.QueryMarkedForDeployment, dc.State)
		require.NotNil(t, dc.Plan)
	}
	require.Equal(t, model.SharedQueryDeployed, sqp.Status())
	require.Equal(t, 0, sqp.PendingChanges())

	withState(t, st, func(ep *plan.ExecutionPlan, qc *catalog.QueryCatalog) {
		require.Len(t, ep.GetPlanForQuery(sqp.ID()), len(deployed))
		state, ok := qc.QueryState(1)
		require.True(t, ok)
		require.Equal(t, model.QueryRunning, state)
	})
	listener.AssertExpectations(t)

	// nothing to do once deployed
	res = amend(t, h, sqp)
	require.True(t, res.Succeeded)
	require.Equal(t, model.PlanVersion(0), res.Version)
}

func TestAmendFailureKeepsChanges(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	deployer := amock.NewMockDeployer(ctrl)

	st := newCluster(t, storage.AccessOptimistic)
	registry := queryplan.NewRegistry()
	sqp, err := registry.Add(filterQuery(t, autoid.NewIDAllocator(0), 1, "trucks"), true)
	require.NoError(t, err)
	pending := sqp.PendingChanges()

	h := newAmendmentHandler(t, 1, st, deployer)
	defer h.Shutdown()

	res := amend(t, h, sqp)
	require.False(t, res.Succeeded)
	require.True(t, derror.ErrSourceNotFound.Equal(res.Err), "%v", res.Err)
	require.Equal(t, pending, sqp.PendingChanges())
	require.Equal(t, model.SharedQueryCreated, sqp.Status())

	withState(t, st, func(ep *plan.ExecutionPlan, qc *catalog.QueryCatalog) {
		require.Empty(t, ep.GetPlanForQuery(sqp.ID()))
		require.Equal(t, model.PlanVersion(0), ep.Version())
	})
}

func TestAmendStopQuery(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	deployer := amock.NewMockDeployer(ctrl)
	deployer.EXPECT().Deploy(gomock.Any(), model.RequestAddQuery, gomock.Any()).Return(nil)
	var undeployed []plan.DeploymentContext
	deployer.EXPECT().Undeploy(gomock.Any(), model.RequestStopQuery, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ model.RequestType, contexts []plan.DeploymentContext) error {
			undeployed = contexts
			return nil
		})

	st := newCluster(t, storage.AccessTwoPhaseLocking)
	registry := queryplan.NewRegistry()
	sqp, err := registry.Add(filterQuery(t, autoid.NewIDAllocator(0), 1, "cars"), true)
	require.NoError(t, err)

	h := newAmendmentHandler(t, 1, st, deployer, WithRegistry(registry))
	defer h.Shutdown()
	require.True(t, amend(t, h, sqp).Succeeded)

	empty, err := sqp.RemoveQuery(1)
	require.NoError(t, err)
	require.True(t, empty)
	res := amend(t, h, sqp)
	require.NoError(t, res.Err)
	require.Equal(t, model.PlanVersion(2), res.Version)
	require.NotEmpty(t, undeployed)
	for _, dc := range undeployed {
		require.Equal(t, model.QueryMarkedForRemoval, dc.State)
		require.Nil(t, dc.Plan)
	}
	require.Equal(t, model.SharedQueryStopped, sqp.Status())
	_, err = registry.Get(sqp.ID())
	require.True(t, derror.ErrUnknownSharedQuery.Equal(err))

	withState(t, st, func(ep *plan.ExecutionPlan, qc *catalog.QueryCatalog) {
		require.Empty(t, ep.GetPlanForQuery(sqp.ID()))
		state, ok := qc.SharedQueryState(sqp.ID())
		require.True(t, ok)
		require.Equal(t, model.QueryStopped, state)
	})
}

func TestAmendRestartAfterDeployFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	deployer := amock.NewMockDeployer(ctrl)
	gomock.InOrder(
		deployer.EXPECT().Deploy(gomock.Any(), model.RequestAddQuery, gomock.Any()).
			Return(errors.New("node unreachable")),
		deployer.EXPECT().Undeploy(gomock.Any(), model.RequestRestartQuery, gomock.Any()).Return(nil),
		deployer.EXPECT().Deploy(gomock.Any(), model.RequestRestartQuery, gomock.Any()).Return(nil),
	)

	st := newCluster(t, storage.AccessTwoPhaseLocking)
	registry := queryplan.NewRegistry()
	sqp, err := registry.Add(filterQuery(t, autoid.NewIDAllocator(0), 1, "cars"), true)
	require.NoError(t, err)

	h := newAmendmentHandler(t, 1, st, deployer)
	defer h.Shutdown()

	res := amend(t, h, sqp)
	require.False(t, res.Succeeded)
	require.True(t, derror.Is(res.Err, derror.ErrAmendmentFailed), "%v", res.Err)
	require.Equal(t, model.SharedQueryPartiallyProcessed, sqp.Status())

	res = amend(t, h, sqp)
	require.NoError(t, res.Err)
	// the restart replaces the prior plans in a single commit
	require.Equal(t, model.PlanVersion(2), res.Version)
	require.Equal(t, model.SharedQueryDeployed, sqp.Status())
}

func TestRequestTypeFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status      model.SharedQueryPlanStatus
		incremental bool
		req         model.RequestType
		ok          bool
	}{
		{model.SharedQueryCreated, true, model.RequestAddQuery, true},
		{model.SharedQueryCreated, false, model.RequestRestartQuery, true},
		{model.SharedQueryUpdated, true, model.RequestAddQuery, true},
		{model.SharedQueryMigrating, true, model.RequestAddQuery, true},
		{model.SharedQueryPartiallyProcessed, true, model.RequestRestartQuery, true},
		{model.SharedQueryStopped, true, model.RequestStopQuery, true},
		{model.SharedQueryFailed, false, model.RequestFailQuery, true},
		{model.SharedQueryDeployed, true, 0, false},
		{model.SharedQueryProcessed, true, 0, false},
	}
	for _, c := range cases {
		req, ok := RequestTypeFor(c.status, c.incremental)
		require.Equal(t, c.ok, ok, c.status.String())
		require.Equal(t, c.req, req, c.status.String())
	}
}

// placementSummary renders the operators resident on each node for every
// shared query plan.
func placementSummary(t *testing.T, st storage.Handler, ids []model.SharedQueryID) map[model.SharedQueryID]map[model.NodeID][]model.OperatorID {
	ret := make(map[model.SharedQueryID]map[model.NodeID][]model.OperatorID)
	withState(t, st, func(ep *plan.ExecutionPlan, _ *catalog.QueryCatalog) {
		for _, id := range ids {
			byNode := make(map[model.NodeID][]model.OperatorID)
			for _, dp := range ep.GetPlanForQuery(id) {
				byNode[dp.NodeID] = dp.OperatorIDs()
			}
			ret[id] = byNode
		}
	})
	return ret
}

func TestConcurrentAmendmentsMatchSequential(t *testing.T) {
	t.Parallel()

	run := func(mode storage.AccessMode, workers int) map[model.SharedQueryID]map[model.NodeID][]model.OperatorID {
		st := newCluster(t, mode)
		registry := queryplan.NewRegistry()
		alloc := autoid.NewIDAllocator(0)
		cars, err := registry.Add(filterQuery(t, alloc, 1, "cars"), true)
		require.NoError(t, err)
		bikes, err := registry.Add(filterQuery(t, alloc, 2, "bikes"), true)
		require.NoError(t, err)
		require.NotEqual(t, cars.ID(), bikes.ID())

		deployer := &recordingDeployer{}
		h := newAmendmentHandler(t, workers, st, deployer)
		defer h.Shutdown()

		var futures []*Future
		for _, sqp := range []*queryplan.SharedQueryPlan{cars, bikes} {
			f, err := h.Submit(sqp)
			require.NoError(t, err)
			futures = append(futures, f)
		}
		waitAll(t, futures)
		require.Equal(t, model.SharedQueryDeployed, cars.Status())
		require.Equal(t, model.SharedQueryDeployed, bikes.Status())

		deployer.mu.Lock()
		nodes := make([]model.NodeID, 0, len(deployer.deployed))
		for _, dc := range deployer.deployed {
			nodes = append(nodes, dc.NodeID)
		}
		deployer.mu.Unlock()
		require.Contains(t, nodes, model.NodeID(1))

		return placementSummary(t, st, []model.SharedQueryID{cars.ID(), bikes.ID()})
	}

	sequential := run(storage.AccessTwoPhaseLocking, 1)
	require.Equal(t, sequential, run(storage.AccessOptimistic, 2))
	require.Equal(t, sequential, run(storage.AccessTwoPhaseLocking, 2))
}
