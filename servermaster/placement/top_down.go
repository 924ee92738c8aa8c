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

// topDown places every operator as close to its sinks as capacity allows.
// Operators are visited parents first. The candidates of an operator are
// the nodes shared by every path from its consumers' nodes down to the
// nodes of the sources feeding it, in sink to source order. The anchor,
// the first candidate, is skipped if it hosts a sink and other candidates
// exist, so computation is pushed off the coordinator when possible.
// Sources are placed on their fixed node last.
type topDown struct{}

func (s *topDown) Name() model.PlacementStrategy {
	return model.PlacementTopDown
}

func (s *topDown) Place(ctx context.Context, req *Request) (*plan.Delta, error) {
	return run(ctx, req, true, s.placeOperator)
}

func (s *topDown) placeOperator(p *placer, op *queryplan.Operator) error {
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

	anchors := p.assignedNodes(op.Parents)
	if len(anchors) == 0 {
		return derror.ErrInvalidOperatorGraph.GenWithStackByArgs(fmt.Sprintf("operator %d has no placed parent", op.ID))
	}
	sources, err := p.upstreamSourceNodes(op)
	if err != nil {
		return err
	}
	candidates, err := s.candidates(p, anchors, sources)
	if err != nil {
		return err
	}
	if len(candidates) > 1 && s.hostsSink(p, candidates[0]) {
		candidates = candidates[1:]
	}
	return p.pick(op, candidates)
}

// candidates intersects the candidate paths from every anchor to every
// source node, keeping the order of the first path.
func (s *topDown) candidates(p *placer, anchors, sources []model.NodeID) ([]model.NodeID, error) {
	var first []model.NodeID
	counts := make(map[model.NodeID]int)
	paths := 0
	for _, anchor := range anchors {
		for _, source := range sources {
			path, err := p.req.Topology.CandidatePath(anchor, source)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if first == nil {
				first = path
			}
			for _, node := range path {
				counts[node]++
			}
			paths++
		}
	}
	var ret []model.NodeID
	for _, node := range first {
		if counts[node] == paths {
			ret = append(ret, node)
		}
	}
	return ret, nil
}

func (s *topDown) hostsSink(p *placer, node model.NodeID) bool {
	for _, id := range p.req.Graph.Sinks() {
		if assigned, ok := p.assignment[id]; ok && assigned == node {
			return true
		}
	}
	return false
}
