package queryplan

import (
	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// SourceResolver maps a logical source onto the nodes hosting its
// physical sources.
type SourceResolver interface {
	ResolveSourceNodes(logicalSource string) ([]model.NodeID, error)
}

// ExpandedID returns the id of the copy of op created for node when a
// logical source is expanded.
func ExpandedID(op model.OperatorID, node model.NodeID) model.OperatorID {
	return model.OperatorID(autoid.SystemID("expand", uint64(op), uint64(node)))
}

// ExpandLogicalSources returns a copy of g where every unpinned source is
// replaced by one pinned source per physical source. The unary chain
// between such a source and the first operator with several inputs or
// several consumers is duplicated per physical source. The first physical
// source keeps the original operator ids.
func ExpandLogicalSources(g *Graph, resolver SourceResolver) (*Graph, error) {
	ret := g.Clone()
	for _, srcID := range g.Sources() {
		src, _ := g.Operator(srcID)
		if src.Kind != OperatorSource || src.IsPinned() {
			continue
		}
		nodes, err := resolver.ResolveSourceNodes(src.LogicalSource)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, errors.ErrSourceNotFound.GenWithStackByArgs(src.LogicalSource)
		}

		chain := unaryChain(g, srcID)
		ret.ops[srcID].PinnedNode = nodes[0]
		last := chain[len(chain)-1]
		lastOp, _ := g.Operator(last)

		for _, node := range nodes[1:] {
			prev := model.OperatorID(0)
			for i, id := range chain {
				orig, _ := g.Operator(id)
				cp := orig.Clone()
				cp.ID = ExpandedID(id, node)
				cp.Origin = id
				cp.Children, cp.Parents = nil, nil
				if i == 0 {
					cp.PinnedNode = node
				}
				if err := ret.AddOperator(cp); err != nil {
					return nil, err
				}
				if i > 0 {
					if err := ret.Connect(prev, cp.ID); err != nil {
						return nil, err
					}
				}
				prev = cp.ID
			}
			for _, parent := range lastOp.Parents {
				if err := ret.Connect(prev, parent); err != nil {
					return nil, err
				}
			}
		}
	}
	return ret, nil
}

// unaryChain returns the source followed by every operator that has it as
// its only input, stopping before sinks and operators with several inputs.
func unaryChain(g *Graph, srcID model.OperatorID) []model.OperatorID {
	chain := []model.OperatorID{srcID}
	cur, _ := g.Operator(srcID)
	for len(cur.Parents) == 1 {
		next, _ := g.Operator(cur.Parents[0])
		if next.Kind == OperatorSink || len(next.Children) != 1 {
			break
		}
		chain = append(chain, next.ID)
		cur = next
	}
	return chain
}
