package placement

import (
	"context"
	"strings"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
	"github.com/hanfei1991/streamplace/servermaster/topology"
)

// DefaultOperatorCost is charged for operators that carry no cost.
const DefaultOperatorCost model.RescUnit = 1

// Request is the input of one placement run.
type Request struct {
	SharedQueryID model.SharedQueryID
	// Graph must have its logical sources expanded.
	Graph    *queryplan.Graph
	Topology topology.View
	// Prior is the committed placement, nil on first placement.
	Prior *plan.QueryPlacement
	// Changes recorded since Prior was committed. They are ignored when
	// Prior is nil or Full is set.
	Changes queryplan.Changes
	// Full re-places every operator even if a prior placement exists.
	Full         bool
	OperatorCost model.RescUnit
}

// Strategy maps the operators of a shared query plan onto topology nodes.
type Strategy interface {
	Name() model.PlacementStrategy
	// Place returns the full desired placement along with migration
	// markers for operators that changed node. Placing the same request
	// twice yields the same delta.
	Place(ctx context.Context, req *Request) (*plan.Delta, error)
}

// NewStrategy returns the strategy registered under name. Matching is case
// insensitive.
func NewStrategy(name model.PlacementStrategy) (Strategy, error) {
	switch strings.ToLower(string(name)) {
	case strings.ToLower(string(model.PlacementBottomUp)):
		return &bottomUp{}, nil
	case strings.ToLower(string(model.PlacementTopDown)):
		return &topDown{}, nil
	}
	return nil, derror.ErrUnknownStrategy.GenWithStackByArgs(name)
}

type operatorPlacer func(p *placer, op *queryplan.Operator) error

// run drives a strategy: it fixes unaffected operators on their prior
// nodes, lets place assign the others in order, then rewrites the
// assignment into per-node decomposed plans.
func run(ctx context.Context, req *Request, reverse bool, place operatorPlacer) (*plan.Delta, error) {
	p, err := newPlacer(req)
	if err != nil {
		return nil, err
	}
	order, err := req.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		op, _ := req.Graph.Operator(id)
		if node, ok := p.keep(id); ok {
			p.fix(id, node)
			continue
		}
		if err := place(p, op); err != nil {
			return nil, err
		}
	}
	return p.delta()
}
