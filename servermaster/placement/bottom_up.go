package placement

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// bottomUp places every operator as close to its sources as capacity
// allows. Operators are visited children first. A unary operator starts
// from its child's node, an n-ary operator from the closest common
// ancestor of its children's nodes, and walks up towards the node of the
// sink it feeds until a node has room.
type bottomUp struct{}

func (s *bottomUp) Name() model.PlacementStrategy {
	return model.PlacementBottomUp
}

func (s *bottomUp) Place(ctx context.Context, req *Request) (*plan.Delta, error) {
	return run(ctx, req, false, s.placeOperator)
}

func (s *bottomUp) placeOperator(p *placer, op *queryplan.Operator) error {
	switch op.Kind {
	case queryplan.OperatorSource:
		node, err := p.sourceNode(op)
		if err != nil {
			return err
		}
		return p.assign(op, node)
	case queryplan.OperatorSink:
		node, err := p.sinkNode(op)
		if err != nil {
			return err
		}
		return p.assign(op, node)
	}

	children := p.assignedNodes(op.Children)
	if len(children) == 0 {
		return derror.ErrInvalidOperatorGraph.GenWithStackByArgs(fmt.Sprintf("operator %d has no placed child", op.ID))
	}
	start := children[0]
	if len(children) > 1 {
		ancestor, err := p.req.Topology.FindCommonAncestor(children)
		if err != nil {
			return errors.Trace(err)
		}
		start = ancestor
	}
	target, err := p.targetSink(op)
	if err != nil {
		return err
	}
	path, err := p.req.Topology.UpwardPath(start, target)
	if err != nil {
		return errors.Trace(err)
	}
	return p.pick(op, path)
}
