package plan

import (
	"sort"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// QueryPlacement is the decomposition of one shared query plan over the
// topology: one decomposed plan per hosting node.
type QueryPlacement struct {
	SharedQueryID model.SharedQueryID              `json:"shared-query-id"`
	Plans         map[model.NodeID]*DecomposedPlan `json:"plans"`
	// Residency maps every placed operator, forwarding operators
	// included, to its hosting node.
	Residency map[model.OperatorID]model.NodeID `json:"-"`
	// Routes holds the node path of every logical edge, from the child's
	// node to the parent's node.
	Routes map[queryplan.Edge][]model.NodeID `json:"-"`
}

// NewQueryPlacement creates an empty placement.
func NewQueryPlacement(id model.SharedQueryID) *QueryPlacement {
	return &QueryPlacement{
		SharedQueryID: id,
		Plans:         make(map[model.NodeID]*DecomposedPlan),
		Residency:     make(map[model.OperatorID]model.NodeID),
		Routes:        make(map[queryplan.Edge][]model.NodeID),
	}
}

// CreateExecutionNode creates the decomposed plan of node from an operator
// chain. The node must not host the shared query plan yet.
func (p *QueryPlacement) CreateExecutionNode(node model.NodeID, chain ...*PlacedOperator) error {
	if _, ok := p.Plans[node]; ok {
		return derror.ErrExecutionNodeExists.GenWithStackByArgs(node, p.SharedQueryID)
	}
	dp := &DecomposedPlan{SharedQueryID: p.SharedQueryID, NodeID: node}
	p.Plans[node] = dp
	for _, op := range chain {
		p.merge(dp, op)
	}
	return nil
}

// MergeIntoExecutionNode adds op to the decomposed plan of node, creating
// the plan if the node does not host the shared query plan yet. Merging an
// operator that is already resident replaces its wiring.
func (p *QueryPlacement) MergeIntoExecutionNode(node model.NodeID, op *PlacedOperator) {
	dp, ok := p.Plans[node]
	if !ok {
		dp = &DecomposedPlan{SharedQueryID: p.SharedQueryID, NodeID: node}
		p.Plans[node] = dp
	}
	p.merge(dp, op)
}

func (p *QueryPlacement) merge(dp *DecomposedPlan, op *PlacedOperator) {
	if prev, ok := p.Residency[op.ID]; ok && prev != dp.NodeID {
		if other, ok := p.Plans[prev]; ok {
			other.remove(op.ID)
			if len(other.Operators) == 0 {
				delete(p.Plans, prev)
			}
		}
	}
	queryplan.SortOperatorIDs(op.Upstream)
	queryplan.SortOperatorIDs(op.Downstream)
	if dp.upsert(op) {
		dp.Label = prependLabel(dp.Label, op)
	}
	p.Residency[op.ID] = dp.NodeID
}

// RemoveOperator removes op from the decomposed plan of node. A plan left
// empty is dropped.
func (p *QueryPlacement) RemoveOperator(node model.NodeID, op model.OperatorID) error {
	dp, ok := p.Plans[node]
	if !ok || !dp.remove(op) {
		return derror.ErrOperatorNotResident.GenWithStackByArgs(op, node)
	}
	delete(p.Residency, op)
	if len(dp.Operators) == 0 {
		delete(p.Plans, node)
	}
	return nil
}

// Prune drops neighbour references to operators that are no longer
// resident anywhere, and every empty decomposed plan. It returns the
// number of references dropped.
func (p *QueryPlacement) Prune() int {
	dropped := 0
	keep := func(ids []model.OperatorID) []model.OperatorID {
		ret := ids[:0]
		for _, id := range ids {
			if _, ok := p.Residency[id]; ok {
				ret = append(ret, id)
				continue
			}
			dropped++
		}
		return ret
	}
	for node, dp := range p.Plans {
		for _, op := range dp.Operators {
			op.Upstream = keep(op.Upstream)
			op.Downstream = keep(op.Downstream)
		}
		if len(dp.Operators) == 0 {
			delete(p.Plans, node)
		}
	}
	for edge := range p.Routes {
		_, childOK := p.Residency[edge.Child]
		_, parentOK := p.Residency[edge.Parent]
		if !childOK || !parentOK {
			delete(p.Routes, edge)
		}
	}
	return dropped
}

// Nodes returns the hosting nodes in ascending order.
func (p *QueryPlacement) Nodes() []model.NodeID {
	ret := make([]model.NodeID, 0, len(p.Plans))
	for id := range p.Plans {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Usage returns the slots occupied per hosting node.
func (p *QueryPlacement) Usage() map[model.NodeID]model.RescUnit {
	ret := make(map[model.NodeID]model.RescUnit, len(p.Plans))
	for id, dp := range p.Plans {
		ret[id] = dp.Usage()
	}
	return ret
}

// Operator returns the placed operator with the given id and its node.
func (p *QueryPlacement) Operator(id model.OperatorID) (*PlacedOperator, model.NodeID, bool) {
	node, ok := p.Residency[id]
	if !ok {
		return nil, model.InvalidNodeID, false
	}
	dp, ok := p.Plans[node]
	if !ok {
		return nil, model.InvalidNodeID, false
	}
	op, ok := dp.Operator(id)
	return op, node, ok
}

// UsesNode reports whether the placement hosts operators on node or
// routes data through it.
func (p *QueryPlacement) UsesNode(node model.NodeID) bool {
	if _, ok := p.Plans[node]; ok {
		return true
	}
	for _, route := range p.Routes {
		for _, hop := range route {
			if hop == node {
				return true
			}
		}
	}
	return false
}

// EdgesOverLink returns the logical edges whose route crosses the link
// between the two nodes, in either direction.
func (p *QueryPlacement) EdgesOverLink(upstream, downstream model.NodeID) []queryplan.Edge {
	var ret []queryplan.Edge
	for edge, route := range p.Routes {
		for i := 0; i+1 < len(route); i++ {
			a, b := route[i], route[i+1]
			if (a == upstream && b == downstream) || (a == downstream && b == upstream) {
				ret = append(ret, edge)
				break
			}
		}
	}
	sortEdges(ret)
	return ret
}

// Clone returns a deep copy.
func (p *QueryPlacement) Clone() *QueryPlacement {
	ret := NewQueryPlacement(p.SharedQueryID)
	for id, dp := range p.Plans {
		ret.Plans[id] = dp.Clone()
	}
	for op, node := range p.Residency {
		ret.Residency[op] = node
	}
	for edge, route := range p.Routes {
		ret.Routes[edge] = append([]model.NodeID(nil), route...)
	}
	return ret
}

func sortEdges(edges []queryplan.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Child != edges[j].Child {
			return edges[i].Child < edges[j].Child
		}
		return edges[i].Parent < edges[j].Parent
	})
}
