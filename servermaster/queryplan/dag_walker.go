package queryplan

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"

	"github.com/hanfei1991/streamplace/model"
	derrors "github.com/hanfei1991/streamplace/pkg/errors"
)

const (
	// the maximum depth of an operator graph
	defaultMaximalDepth = 256
)

// DAGWalker walks an operator graph and calls the callback function for
// each operator. The callback returns the operators to visit next, which
// lets one walker go either upstream or downstream.
type DAGWalker struct {
	visited      map[model.OperatorID]struct{}
	onVertex     func(*Operator) ([]model.OperatorID, error)
	maximalDepth int
}

// NewDAGWalker creates a new DAGWalker.
func NewDAGWalker(onVertex func(*Operator) ([]model.OperatorID, error)) *DAGWalker {
	return &DAGWalker{
		onVertex:     onVertex,
		maximalDepth: defaultMaximalDepth,
	}
}

// Walk visits every operator reachable from starts exactly once.
func (w *DAGWalker) Walk(g *Graph, starts []model.OperatorID) error {
	w.visited = make(map[model.OperatorID]struct{})
	for _, id := range starts {
		if !g.Has(id) {
			continue
		}
		if err := w.doWalk(g, id, 0); err != nil {
			return err
		}
	}
	return nil
}

func (w *DAGWalker) doWalk(g *Graph, id model.OperatorID, depth int) error {
	if depth > w.maximalDepth {
		return derrors.ErrInvalidOperatorGraph.GenWithStackByArgs("exceed maximal depth")
	}
	if _, ok := w.visited[id]; ok {
		return nil
	}
	op, ok := g.Operator(id)
	if !ok {
		log.Panic("operator referenced by an edge is missing")
	}
	w.visited[id] = struct{}{}
	next, err := w.onVertex(op)
	if err != nil {
		return errors.Trace(err)
	}
	for _, nextID := range next {
		if err := w.doWalk(g, nextID, depth+1); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
