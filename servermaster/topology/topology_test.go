package topology

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// newTestTopology builds
//
//	      1 (coordinator)
//	     / \
//	    2   3 (workers)
//	    |   |
//	    4   5 (sensors)
func newTestTopology(t *testing.T) *Topology {
	topo := New()
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 1, Kind: model.NodeCoordinator, Capacity: 4}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 2, Kind: model.NodeWorker, Capacity: 4}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 3, Kind: model.NodeWorker, Capacity: 4}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 4, Kind: model.NodeSensor, Capacity: 2}))
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 5, Kind: model.NodeSensor, Capacity: 2}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 2, Downstream: 1}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 3, Downstream: 1}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 4, Downstream: 2}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 5, Downstream: 3}))
	return topo
}

func TestAddRemoveNode(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	err := topo.AddNode(model.NodeInfo{ID: 1, Kind: model.NodeWorker, Capacity: 1})
	require.True(t, errors.ErrTopologyNodeExists.Equal(err))

	link, ok := topo.Link(4, 2)
	require.True(t, ok)
	require.Equal(t, model.LinkType("sensor->worker"), link.Type)

	rev := topo.Revision()
	removed, err := topo.RemoveNode(2)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Greater(t, topo.Revision(), rev)
	require.False(t, topo.HasNode(2))
	_, ok = topo.Link(4, 2)
	require.False(t, ok)

	n, ok := topo.Node(4)
	require.True(t, ok)
	require.Empty(t, n.Parents)
	n, ok = topo.Node(1)
	require.True(t, ok)
	require.Equal(t, []model.NodeID{3}, n.Children)

	_, err = topo.RemoveNode(2)
	require.True(t, errors.ErrUnknownTopologyNode.Equal(err))
	require.Equal(t, []model.NodeID{1, 3, 4, 5}, topo.NodeIDs())
}

func TestRemoveNodeWithManyNeighbours(t *testing.T) {
	t.Parallel()

	// Worker 2 has three parents and three children.
	topo := New()
	require.NoError(t, topo.AddNode(model.NodeInfo{ID: 1, Kind: model.NodeCoordinator, Capacity: 4}))
	for _, id := range []model.NodeID{2, 6, 7} {
		require.NoError(t, topo.AddNode(model.NodeInfo{ID: id, Kind: model.NodeWorker, Capacity: 4}))
	}
	for _, id := range []model.NodeID{3, 4, 5} {
		require.NoError(t, topo.AddNode(model.NodeInfo{ID: id, Kind: model.NodeSensor, Capacity: 2}))
		require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: id, Downstream: 2}))
	}
	for _, id := range []model.NodeID{1, 6, 7} {
		require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 2, Downstream: id}))
	}
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 6, Downstream: 1}))
	require.NoError(t, topo.AddLink(model.LinkInfo{Upstream: 7, Downstream: 1}))

	removed, err := topo.RemoveNode(2)
	require.NoError(t, err)
	require.ElementsMatch(t, []model.LinkInfo{
		{Upstream: 2, Downstream: 1},
		{Upstream: 2, Downstream: 6},
		{Upstream: 2, Downstream: 7},
		{Upstream: 3, Downstream: 2},
		{Upstream: 4, Downstream: 2},
		{Upstream: 5, Downstream: 2},
	}, removed)

	links := topo.Links()
	require.Len(t, links, 2)
	require.Equal(t, model.LinkInfo{Upstream: 6, Downstream: 1}, links[0].LinkInfo)
	require.Equal(t, model.LinkInfo{Upstream: 7, Downstream: 1}, links[1].LinkInfo)
	for _, id := range []model.NodeID{3, 4, 5} {
		n, ok := topo.Node(id)
		require.True(t, ok)
		require.Empty(t, n.Parents, "node %d", id)
	}
	for _, id := range []model.NodeID{1, 6, 7} {
		n, ok := topo.Node(id)
		require.True(t, ok)
		require.NotContains(t, n.Children, model.NodeID(2), "node %d", id)
		require.NotContains(t, n.Parents, model.NodeID(2), "node %d", id)
	}

	require.NotPanics(t, func() {
		_, err = topo.FindCommonAncestor([]model.NodeID{3, 4})
	})
	require.True(t, errors.IsNoPathExists(err), "%v", err)
}

func TestAddRemoveLink(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	err := topo.AddLink(model.LinkInfo{Upstream: 4, Downstream: 2})
	require.True(t, errors.ErrTopologyLinkExists.Equal(err))
	err = topo.AddLink(model.LinkInfo{Upstream: 2, Downstream: 4})
	require.True(t, errors.ErrTopologyLinkExists.Equal(err))
	err = topo.AddLink(model.LinkInfo{Upstream: 4, Downstream: 9})
	require.True(t, errors.ErrUnknownTopologyNode.Equal(err))

	require.NoError(t, topo.RemoveLink(4, 2))
	err = topo.RemoveLink(4, 2)
	require.True(t, errors.ErrUnknownTopologyLink.Equal(err))

	err = topo.AddLinkProperty(4, 2, 10, 10)
	require.True(t, errors.ErrUnknownTopologyLink.Equal(err))
	require.NoError(t, topo.AddLinkProperty(2, 1, 100, 5))
	link, ok := topo.Link(2, 1)
	require.True(t, ok)
	require.Equal(t, uint64(100), link.Bandwidth)
	require.Equal(t, uint64(5), link.Latency)
	require.Len(t, topo.Links(), 3)
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	require.NoError(t, topo.ReduceCapacity(4, 2))
	err := topo.ReduceCapacity(4, 1)
	require.True(t, errors.ErrInsufficientCapacity.Equal(err))
	require.True(t, errors.IsPlacementFailure(err))

	require.NoError(t, topo.IncreaseCapacity(4, 2))
	err = topo.IncreaseCapacity(4, 1)
	require.True(t, errors.ErrCapacityOverflow.Equal(err))

	err = topo.ReduceCapacity(42, 1)
	require.True(t, errors.ErrUnknownTopologyNode.Equal(err))

	// all or nothing
	err = topo.ApplyCapacityChanges(map[model.NodeID]model.RescUnit{1: -1, 4: -3})
	require.True(t, errors.ErrInsufficientCapacity.Equal(err))
	remaining, ok := topo.RemainingCapacity(1)
	require.True(t, ok)
	require.Equal(t, model.RescUnit(4), remaining)

	require.NoError(t, topo.ApplyCapacityChanges(map[model.NodeID]model.RescUnit{1: -1, 4: -2}))
	require.Equal(t, map[model.NodeID]model.RescUnit{1: 3, 2: 4, 3: 4, 4: 0, 5: 2}, topo.Capacities())
}

func TestCapacityInvariantUnderConcurrency(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := topo.ReduceCapacity(1, 1); err == nil {
					require.NoError(t, topo.IncreaseCapacity(1, 1))
				}
				remaining, _ := topo.RemainingCapacity(1)
				require.GreaterOrEqual(t, int(remaining), 0)
				require.LessOrEqual(t, int(remaining), 4)
			}
		}()
	}
	wg.Wait()
	remaining, _ := topo.RemainingCapacity(1)
	require.Equal(t, model.RescUnit(4), remaining)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	topo := newTestTopology(t)
	cloned := topo.Clone()
	require.Equal(t, topo.Revision(), cloned.Revision())

	require.NoError(t, cloned.ReduceCapacity(1, 1))
	_, err := cloned.RemoveNode(5)
	require.NoError(t, err)

	remaining, _ := topo.RemainingCapacity(1)
	require.Equal(t, model.RescUnit(4), remaining)
	require.True(t, topo.HasNode(5))
	n, _ := topo.Node(3)
	require.Equal(t, []model.NodeID{5}, n.Children)
}

func TestRoot(t *testing.T) {
	t.Parallel()

	topo := New()
	_, ok := topo.Root()
	require.False(t, ok)

	topo = newTestTopology(t)
	root, ok := topo.Root()
	require.True(t, ok)
	require.Equal(t, model.NodeID(1), root)
}
