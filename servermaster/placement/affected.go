package placement

import (
	"github.com/hanfei1991/streamplace/model"
)

// affectedOperators returns the operators that must be placed again: new
// operators, operators that lost their node, invalidated operators and the
// consumers of changed edges, along with everything downstream of them.
// Every operator is affected on a first or full placement.
func affectedOperators(req *Request) (map[model.OperatorID]struct{}, error) {
	g := req.Graph
	if req.Prior == nil || req.Full {
		ret := make(map[model.OperatorID]struct{}, g.Len())
		for _, id := range g.IDs() {
			ret[id] = struct{}{}
		}
		return ret, nil
	}

	invalidated := make(map[model.OperatorID]struct{}, len(req.Changes.Invalidated))
	for _, id := range req.Changes.Invalidated {
		invalidated[id] = struct{}{}
	}
	changedConsumers := make(map[model.OperatorID]struct{})
	for _, e := range req.Changes.Added {
		changedConsumers[e.Parent] = struct{}{}
	}
	for _, e := range req.Changes.Removed {
		changedConsumers[e.Parent] = struct{}{}
	}

	var seeds []model.OperatorID
	for _, id := range g.IDs() {
		op, _ := g.Operator(id)
		node, placed := req.Prior.Residency[id]
		_, byID := invalidated[id]
		_, byOrigin := invalidated[op.OriginID()]
		_, consumer := changedConsumers[op.OriginID()]
		switch {
		case !placed, !req.Topology.HasNode(node):
		case byID, byOrigin, consumer:
		default:
			continue
		}
		seeds = append(seeds, id)
	}
	if len(seeds) == 0 {
		return map[model.OperatorID]struct{}{}, nil
	}
	return g.Downstream(seeds)
}
