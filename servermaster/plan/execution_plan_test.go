package plan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
	"github.com/hanfei1991/streamplace/servermaster/topology"
)

func newLedger(t *testing.T) *topology.Topology {
	topo := topology.New()
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 1, Kind: model.NodeCoordinator, Capacity: 4}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 2, Kind: model.NodeWorker, Capacity: 4}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 3, Kind: model.NodeSensor, Capacity: 2}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 2, Downstream: 1}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 3, Downstream: 2}))
	return topo
}

// newChainPlacement places src(1) on 3, filter(2) on filterNode and sink(3) on 1.
func newChainPlacement(filterNode model.NodeID) *QueryPlacement {
	p := NewQueryPlacement(10)
	p.MergeIntoExecutionNode(3, &PlacedOperator{
		ID: 1, Kind: queryplan.OperatorSource, Name: "src", Cost: 1, Downstream: []model.OperatorID{2},
	})
	p.MergeIntoExecutionNode(filterNode, &PlacedOperator{
		ID: 2, Kind: queryplan.OperatorFilter, Name: "filter", Cost: 1,
		Upstream: []model.OperatorID{1}, Downstream: []model.OperatorID{3},
	})
	p.MergeIntoExecutionNode(1, &PlacedOperator{
		ID: 3, Kind: queryplan.OperatorSink, Name: "sink", Cost: 1, Upstream: []model.OperatorID{2},
	})
	p.Routes[queryplan.Edge{Child: 1, Parent: 2}] = []model.NodeID{3, 2}
	p.Routes[queryplan.Edge{Child: 2, Parent: 3}] = []model.NodeID{2, 1}
	return p
}

func remaining(t *testing.T, topo *topology.Topology, id model.NodeID) model.RescUnit {
	r, ok := topo.RemainingCapacity(id)
	require.True(t, ok)
	return r
}

func TestQueryPlacementMerge(t *testing.T) {
	t.Parallel()

	p := NewQueryPlacement(1)
	require.NoError(t, p.CreateExecutionNode(2, &PlacedOperator{ID: 5, Name: "map", Cost: 1}))
	err := p.CreateExecutionNode(2)
	require.True(t, errors.ErrExecutionNodeExists.Equal(err))

	p.MergeIntoExecutionNode(2, &PlacedOperator{ID: 3, Name: "filter", Cost: 1})
	dp := p.Plans[2]
	require.Equal(t, "filter(3)=>map(5)", dp.Label)
	require.Equal(t, []model.OperatorID{3, 5}, dp.OperatorIDs())
	require.Equal(t, model.RescUnit(2), dp.Usage())

	// moving an operator takes it off its previous node
	p.MergeIntoExecutionNode(1, &PlacedOperator{ID: 5, Name: "map", Cost: 1})
	require.Equal(t, "filter(3)", p.Plans[2].Label)
	require.Equal(t, model.NodeID(1), p.Residency[5])

	err = p.RemoveOperator(2, 5)
	require.True(t, errors.ErrOperatorNotResident.Equal(err))
	require.NoError(t, p.RemoveOperator(2, 3))
	_, ok := p.Plans[2]
	require.False(t, ok)
	require.Equal(t, []model.NodeID{1}, p.Nodes())
}

func TestQueryPlacementPrune(t *testing.T) {
	t.Parallel()

	p := newChainPlacement(2)
	require.NoError(t, p.RemoveOperator(3, 1))
	require.Equal(t, 1, p.Prune())
	op, node, ok := p.Operator(2)
	require.True(t, ok)
	require.Equal(t, model.NodeID(2), node)
	require.Empty(t, op.Upstream)
	require.Len(t, p.Routes, 1)

	require.True(t, p.UsesNode(1))
	require.False(t, p.UsesNode(3))
	require.Equal(t, []queryplan.Edge{{Child: 2, Parent: 3}}, p.EdgesOverLink(2, 1))
	require.Equal(t, []queryplan.Edge{{Child: 2, Parent: 3}}, p.EdgesOverLink(1, 2))
}

func TestCommitAndRecommit(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()

	res, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2)}, topo)
	require.NoError(t, err)
	require.Equal(t, model.PlanVersion(1), res.Version)
	require.Equal(t, []model.NodeID{1, 2, 3}, res.ChangedNodes)
	require.Len(t, res.Contexts, 3)
	for _, ctx := range res.Contexts {
		require.Equal(t, model.QueryMarkedForDeployment, ctx.State)
		require.NotNil(t, ctx.Plan)
		require.Nil(t, ctx.AwaitCutoverOf)
	}
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 2))
	require.Equal(t, model.RescUnit(1), remaining(t, topo, 3))
	before := ep.GetPlanForQuery(10)
	require.Len(t, before, 3)

	// an identical placement changes nothing
	rev := topo.Revision()
	res, err = ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2)}, topo)
	require.NoError(t, err)
	require.False(t, res.Changed())
	require.Equal(t, model.PlanVersion(1), ep.Version())
	require.Equal(t, rev, topo.Revision())
	require.Equal(t, before, ep.GetPlanForQuery(10))

	require.False(t, ep.MarkDeployed(10, 1))
	for _, dp := range ep.GetPlanForQuery(10) {
		require.Equal(t, model.QueryRunning, dp.State)
	}
	require.Equal(t, []model.NodeID{1, 2, 3}, ep.Diff(0, 1))
	require.Empty(t, ep.Diff(1, 1))
}

func TestCommitMovesStatelessOperator(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2)}, topo)
	require.NoError(t, err)
	old := ep.GetPlanForQuery(10)

	moved := newChainPlacement(1)
	moved.Routes[queryplan.Edge{Child: 1, Parent: 2}] = []model.NodeID{3, 2, 1}
	moved.Routes[queryplan.Edge{Child: 2, Parent: 3}] = []model.NodeID{1}
	res, err := ep.Commit(&Delta{
		SharedQueryID: 10,
		Placement:     moved,
		Migrations:    []Migration{{Operator: 2, From: 2, To: 1}},
	}, topo)
	require.NoError(t, err)
	require.Equal(t, model.PlanVersion(2), res.Version)
	require.Equal(t, []model.NodeID{1, 2}, res.ChangedNodes)
	require.Equal(t, []model.NodeID{1, 2}, ep.Diff(1, 2))
	require.Equal(t, []model.NodeID{1, 2, 3}, ep.Diff(0, 2))

	require.Len(t, res.Contexts, 2)
	require.Equal(t, model.NodeID(1), res.Contexts[0].NodeID)
	require.Equal(t, model.QueryMarkedForRedeployment, res.Contexts[0].State)
	require.Equal(t, old[0].ID, res.Contexts[0].PlanID)
	require.Equal(t, model.NodeID(2), res.Contexts[1].NodeID)
	require.Equal(t, model.QueryMarkedForRemoval, res.Contexts[1].State)
	require.Nil(t, res.Contexts[1].Plan)

	require.Equal(t, model.RescUnit(2), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 2))
	require.Empty(t, ep.Draining(10))

	// the source plan was untouched
	now := ep.GetPlanForQuery(10)
	require.Len(t, now, 2)
	require.Equal(t, old[2], now[1])
}

func TestCommitRejectedByCapacity(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	p := newChainPlacement(2)
	p.MergeIntoExecutionNode(3, &PlacedOperator{ID: 7, Kind: queryplan.OperatorMap, Cost: 2})

	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: p}, topo)
	require.True(t, errors.ErrInsufficientCapacity.Equal(err))
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(2), remaining(t, topo, 3))
	require.Nil(t, ep.Placement(10))
	require.Equal(t, model.PlanVersion(0), ep.Version())

	p = newChainPlacement(2)
	p.MergeIntoExecutionNode(9, &PlacedOperator{ID: 7, Kind: queryplan.OperatorMap, Cost: 1})
	_, err = ep.Commit(&Delta{SharedQueryID: 10, Placement: p}, topo)
	require.True(t, errors.ErrUnknownTopologyNode.Equal(err))
}

func TestCommitStatefulMigration(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	stateful := func(node model.NodeID) *QueryPlacement {
		p := newChainPlacement(node)
		op, _, _ := p.Operator(2)
		op.Kind = queryplan.OperatorWindow
		op.Stateful = true
		return p
	}
	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: stateful(2)}, topo)
	require.NoError(t, err)
	ep.MarkDeployed(10, 1)

	res, err := ep.Commit(&Delta{
		SharedQueryID: 10,
		Placement:     stateful(1),
		Migrations:    []Migration{{Operator: 2, From: 2, To: 1, Stateful: true}},
	}, topo)
	require.NoError(t, err)

	drains := ep.Draining(10)
	require.Len(t, drains, 1)
	drain := drains[0]
	require.Equal(t, model.NodeID(2), drain.NodeID)
	require.Equal(t, model.QueryMarkedForMigration, drain.State)
	require.Equal(t, []model.OperatorID{2}, drain.OperatorIDs())

	// both the drain and the new instance hold a slot until cutover
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 2))
	require.Equal(t, model.RescUnit(2), remaining(t, topo, 1))

	var target *DeploymentContext
	for i := range res.Contexts {
		if res.Contexts[i].NodeID == 1 {
			target = &res.Contexts[i]
		}
	}
	require.NotNil(t, target)
	require.Equal(t, &CutoverRef{NodeID: 2, PlanID: drain.ID}, target.AwaitCutoverOf)

	require.True(t, ep.MarkDeployed(10, res.Version))
	require.Equal(t, model.QueryMigrating, ep.Draining(10)[0].State)
	plans := ep.PlansOnNode(2)
	require.Len(t, plans, 1)
	require.Equal(t, drain.ID, plans[0].ID)
	require.Contains(t, ep.SharedQueriesOnNode(2), model.SharedQueryID(10))

	ctx, err := ep.CompleteMigration(10, 2, topo)
	require.NoError(t, err)
	require.Equal(t, model.QueryMarkedForRemoval, ctx.State)
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 2))
	require.Empty(t, ep.Draining(10))
	require.Equal(t, []model.NodeID{2}, ep.Diff(res.Version, ep.Version()))

	_, err = ep.CompleteMigration(10, 2, topo)
	require.True(t, errors.ErrUnknownDecomposedPlan.Equal(err))
}

func TestCommitRemoval(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2)}, topo)
	require.NoError(t, err)

	_, err = topo.RemoveNode(3)
	require.NoError(t, err)
	res, err := ep.Commit(&Delta{SharedQueryID: 10}, topo)
	require.NoError(t, err)
	require.Equal(t, []model.NodeID{1, 2, 3}, res.ChangedNodes)
	// no removal is sent to a node that left the topology
	require.Len(t, res.Contexts, 2)
	for _, ctx := range res.Contexts {
		require.Equal(t, model.QueryMarkedForRemoval, ctx.State)
	}
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 2))
	require.Nil(t, ep.Placement(10))
	require.Empty(t, ep.SharedQueryIDs())
}

// migrateWindow commits a stateful window on node 2 and migrates it to
// node 1, leaving a drain plan on node 2.
func migrateWindow(t *testing.T, ep *ExecutionPlan, topo *topology.Topology) *DecomposedPlan {
	stateful := func(node model.NodeID) *QueryPlacement {
		p := newChainPlacement(node)
		op, _, _ := p.Operator(2)
		op.Kind = queryplan.OperatorWindow
		op.Stateful = true
		return p
	}
	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: stateful(2)}, topo)
	require.NoError(t, err)
	ep.MarkDeployed(10, 1)
	_, err = ep.Commit(&Delta{
		SharedQueryID: 10,
		Placement:     stateful(1),
		Migrations:    []Migration{{Operator: 2, From: 2, To: 1, Stateful: true}},
	}, topo)
	require.NoError(t, err)
	drains := ep.Draining(10)
	require.Len(t, drains, 1)
	return drains[0]
}

func TestCommitTeardownDuringMigration(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	drain := migrateWindow(t, ep, topo)
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 2))

	res, err := ep.Commit(&Delta{SharedQueryID: 10}, topo)
	require.NoError(t, err)
	require.Equal(t, []model.NodeID{1, 2, 3}, res.ChangedNodes)
	require.Len(t, res.Contexts, 3)
	removedPlans := make(map[model.NodeID]model.DecomposedPlanID)
	for _, ctx := range res.Contexts {
		require.Equal(t, model.QueryMarkedForRemoval, ctx.State)
		require.Nil(t, ctx.Plan)
		removedPlans[ctx.NodeID] = ctx.PlanID
	}
	require.Equal(t, drain.ID, removedPlans[2])

	require.Empty(t, ep.Draining(10))
	require.Empty(t, ep.PlansOnNode(2))
	require.Empty(t, ep.SharedQueryIDs())
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(4), remaining(t, topo, 2))
	require.Equal(t, model.RescUnit(2), remaining(t, topo, 3))

	_, err = ep.CompleteMigration(10, 2, topo)
	require.True(t, errors.ErrUnknownDecomposedPlan.Equal(err))
}

func TestCommitReplace(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	drain := migrateWindow(t, ep, topo)
	before := ep.GetPlanForQuery(10)

	res, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2), Replace: true}, topo)
	require.NoError(t, err)
	require.Equal(t, []model.NodeID{1, 2, 3}, res.ChangedNodes)

	removed := make(map[model.DecomposedPlanID]struct{})
	deployed := 0
	for _, ctx := range res.Contexts {
		if ctx.State == model.QueryMarkedForRemoval {
			removed[ctx.PlanID] = struct{}{}
			continue
		}
		require.Equal(t, model.QueryMarkedForDeployment, ctx.State)
		require.Nil(t, ctx.AwaitCutoverOf)
		deployed++
	}
	require.Equal(t, 3, deployed)
	require.Contains(t, removed, drain.ID)
	for _, dp := range before {
		require.Contains(t, removed, dp.ID)
	}
	for _, dp := range ep.GetPlanForQuery(10) {
		require.NotContains(t, removed, dp.ID)
	}
	require.Empty(t, ep.Draining(10))
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 1))
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 2))
	require.Equal(t, model.RescUnit(1), remaining(t, topo, 3))

	// a rejected replacement keeps the committed plans and their slots
	version := ep.Version()
	current := ep.GetPlanForQuery(10)
	tooBig := newChainPlacement(2)
	op, _, _ := tooBig.Operator(2)
	op.Cost = 10
	_, err = ep.Commit(&Delta{SharedQueryID: 10, Placement: tooBig, Replace: true}, topo)
	require.Error(t, err)
	require.Equal(t, version, ep.Version())
	require.Equal(t, current, ep.GetPlanForQuery(10))
	require.Equal(t, model.RescUnit(3), remaining(t, topo, 2))
}

func TestExecutionPlanClone(t *testing.T) {
	t.Parallel()

	topo := newLedger(t)
	ep := NewExecutionPlan()
	_, err := ep.Commit(&Delta{SharedQueryID: 10, Placement: newChainPlacement(2)}, topo)
	require.NoError(t, err)

	cloned := ep.Clone()
	require.Equal(t, ep.Revision(), cloned.Revision())
	_, err = cloned.Commit(&Delta{SharedQueryID: 10}, topo)
	require.NoError(t, err)
	require.Len(t, ep.GetPlanForQuery(10), 3)
	require.Empty(t, cloned.GetPlanForQuery(10))
	require.Greater(t, cloned.Revision(), ep.Revision())

	over := ep.SharedQueriesOverLink(2, 1)
	require.Equal(t, []queryplan.Edge{{Child: 2, Parent: 3}}, over[10])
}
