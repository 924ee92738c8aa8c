package topology

import (
	"github.com/hanfei1991/streamplace/model"
)

// CapacityProvider describes an object providing capacity info for
// each topology node.
type CapacityProvider interface {
	// RemainingCapacity returns the free slots of a node.
	// If the node is not found, (0, false) is returned.
	RemainingCapacity(id model.NodeID) (model.RescUnit, bool)

	// Capacities returns the free slots of all nodes.
	Capacities() map[model.NodeID]model.RescUnit
}

// View is the read-only part of the topology consumed by placement
// strategies.
type View interface {
	CapacityProvider

	HasNode(id model.NodeID) bool
	Root() (model.NodeID, bool)
	CandidatePath(sinkSide, sourceNode model.NodeID) ([]model.NodeID, error)
	UpwardPath(sourceSide, sinkSide model.NodeID) ([]model.NodeID, error)
	FindCommonAncestor(ids []model.NodeID) (model.NodeID, error)
}

var _ View = (*Topology)(nil)
