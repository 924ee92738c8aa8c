package placement

import (
	"fmt"
	"sort"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// placer holds the scratch state of one placement run.
type placer struct {
	req *Request

	// remaining is the free capacity as seen by this run: the topology's
	// remaining slots plus what affected stateless operators and removed
	// operators will release on commit.
	remaining map[model.NodeID]model.RescUnit
	// held maps affected stateful operators to the node whose slots they
	// keep until cutover.
	held map[model.OperatorID]model.NodeID

	affected   map[model.OperatorID]struct{}
	assignment map[model.OperatorID]model.NodeID
	// order is the sequence in which operators were assigned.
	order []model.OperatorID
}

func newPlacer(req *Request) (*placer, error) {
	affected, err := affectedOperators(req)
	if err != nil {
		return nil, err
	}
	p := &placer{
		req:        req,
		remaining:  req.Topology.Capacities(),
		held:       make(map[model.OperatorID]model.NodeID),
		affected:   affected,
		assignment: make(map[model.OperatorID]model.NodeID, req.Graph.Len()),
	}
	if req.Prior == nil {
		return p, nil
	}
	for _, node := range req.Prior.Nodes() {
		if !req.Topology.HasNode(node) {
			continue
		}
		for _, placed := range req.Prior.Plans[node].Operators {
			op, inGraph := req.Graph.Operator(placed.ID)
			_, isAffected := affected[placed.ID]
			switch {
			case inGraph && !isAffected:
			case inGraph && op.Stateful:
				p.held[placed.ID] = node
			default:
				p.remaining[node] += placed.Cost
			}
		}
	}
	return p, nil
}

func (p *placer) cost(op *queryplan.Operator) model.RescUnit {
	if op.Kind.IsForwarding() {
		return 0
	}
	if op.Cost > 0 {
		return op.Cost
	}
	if p.req.OperatorCost > 0 {
		return p.req.OperatorCost
	}
	return DefaultOperatorCost
}

// keep returns the prior node of an operator that is not affected by the
// recorded changes.
func (p *placer) keep(id model.OperatorID) (model.NodeID, bool) {
	if _, ok := p.affected[id]; ok || p.req.Prior == nil {
		return model.InvalidNodeID, false
	}
	node, ok := p.req.Prior.Residency[id]
	return node, ok
}

func (p *placer) fix(id model.OperatorID, node model.NodeID) {
	p.assignment[id] = node
	p.order = append(p.order, id)
}

func (p *placer) fits(op *queryplan.Operator, node model.NodeID) bool {
	if held, ok := p.held[op.ID]; ok && held == node {
		return true
	}
	return p.remaining[node] >= p.cost(op)
}

// assign charges the operator on node. Pinned operators are assigned
// through it too, so an exhausted pinned node fails the run.
func (p *placer) assign(op *queryplan.Operator, node model.NodeID) error {
	if !p.req.Topology.HasNode(node) {
		return derror.ErrPlacementInfeasible.GenWithStackByArgs(op.ID,
			fmt.Sprintf("node %d is not in the topology", node))
	}
	if held, ok := p.held[op.ID]; !ok || held != node {
		cost := p.cost(op)
		if p.remaining[node] < cost {
			return derror.ErrInsufficientCapacity.GenWithStackByArgs(node, p.remaining[node], cost)
		}
		p.remaining[node] -= cost
	}
	p.fix(op.ID, node)
	return nil
}

// pick assigns the operator to the first candidate with room. A stateful
// operator stays where it is if its node is a candidate.
func (p *placer) pick(op *queryplan.Operator, candidates []model.NodeID) error {
	if held, ok := p.held[op.ID]; ok {
		for _, node := range candidates {
			if node == held {
				return p.assign(op, node)
			}
		}
	}
	for _, node := range candidates {
		if p.fits(op, node) {
			return p.assign(op, node)
		}
	}
	return derror.ErrPlacementInfeasible.GenWithStackByArgs(op.ID,
		fmt.Sprintf("none of the %d candidate nodes has capacity", len(candidates)))
}

// sourceNode returns the fixed location of a source.
func (p *placer) sourceNode(op *queryplan.Operator) (model.NodeID, error) {
	if !op.IsPinned() {
		return model.InvalidNodeID, derror.ErrPlacementInfeasible.GenWithStackByArgs(op.ID,
			"source is not bound to a physical source")
	}
	return op.PinnedNode, nil
}

// sinkNode returns the pinned node of a sink, or the topology root.
func (p *placer) sinkNode(op *queryplan.Operator) (model.NodeID, error) {
	if op.IsPinned() {
		return op.PinnedNode, nil
	}
	root, ok := p.req.Topology.Root()
	if !ok {
		return model.InvalidNodeID, derror.ErrPlacementInfeasible.GenWithStackByArgs(op.ID,
			"topology has no coordinator")
	}
	return root, nil
}

// targetSink returns the node of the first sink fed by op.
func (p *placer) targetSink(op *queryplan.Operator) (model.NodeID, error) {
	down, err := p.req.Graph.Downstream([]model.OperatorID{op.ID})
	if err != nil {
		return model.InvalidNodeID, err
	}
	for _, id := range p.req.Graph.Sinks() {
		if _, ok := down[id]; !ok {
			continue
		}
		sink, _ := p.req.Graph.Operator(id)
		return p.sinkNode(sink)
	}
	return model.InvalidNodeID, derror.ErrInvalidOperatorGraph.GenWithStackByArgs(
		fmt.Sprintf("operator %d feeds no sink", op.ID))
}

// upstreamSourceNodes returns the distinct nodes of the sources feeding op.
func (p *placer) upstreamSourceNodes(op *queryplan.Operator) ([]model.NodeID, error) {
	up, err := p.req.Graph.Upstream([]model.OperatorID{op.ID})
	if err != nil {
		return nil, err
	}
	seen := make(map[model.NodeID]struct{})
	var ret []model.NodeID
	for _, id := range p.req.Graph.Sources() {
		if _, ok := up[id]; !ok {
			continue
		}
		src, _ := p.req.Graph.Operator(id)
		node, err := p.sourceNode(src)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		ret = append(ret, node)
	}
	sortNodeIDs(ret)
	return ret, nil
}

// assignedNodes returns the distinct nodes of already assigned operators.
func (p *placer) assignedNodes(ids []model.OperatorID) []model.NodeID {
	seen := make(map[model.NodeID]struct{})
	var ret []model.NodeID
	for _, id := range ids {
		node, ok := p.assignment[id]
		if !ok {
			continue
		}
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		ret = append(ret, node)
	}
	sortNodeIDs(ret)
	return ret
}

// delta rewrites the assignment into decomposed plans and collects the
// operators that changed node.
func (p *placer) delta() (*plan.Delta, error) {
	placement, err := p.rewrite()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &plan.Delta{
		SharedQueryID: p.req.SharedQueryID,
		Placement:     placement,
	}
	if p.req.Prior == nil {
		return d, nil
	}
	for _, id := range p.req.Graph.IDs() {
		from, ok := p.req.Prior.Residency[id]
		if !ok {
			continue
		}
		to := p.assignment[id]
		if from == to {
			continue
		}
		op, _ := p.req.Graph.Operator(id)
		d.Migrations = append(d.Migrations, plan.Migration{
			Operator: id,
			From:     from,
			To:       to,
			Stateful: op.Stateful,
		})
	}
	return d, nil
}

// forwardingID derives the id of a forwarding operator inserted on hop of
// the route of an edge.
func forwardingID(kind queryplan.OperatorKind, e queryplan.Edge, hop int) model.OperatorID {
	return model.OperatorID(autoid.SystemID(kind.String(), uint64(e.Child), uint64(e.Parent), uint64(hop)))
}

func sortNodeIDs(ids []model.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
