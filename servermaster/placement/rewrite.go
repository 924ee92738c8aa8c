package placement

import (
	"sort"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

type residentOperator struct {
	node model.NodeID
	op   *plan.PlacedOperator
}

func connect(child, parent *plan.PlacedOperator) {
	child.Downstream = append(child.Downstream, parent.ID)
	parent.Upstream = append(parent.Upstream, child.ID)
}

// rewrite turns the operator assignment into decomposed plans. Every
// logical edge crossing nodes is routed upwards through the topology and a
// forwarding sink/source pair is inserted on each hop of the route.
// Operators are merged in assignment order, forwarding operators last.
func (p *placer) rewrite() (*plan.QueryPlacement, error) {
	g := p.req.Graph
	placed := make(map[model.OperatorID]*plan.PlacedOperator, len(p.order))
	for _, id := range p.order {
		op, _ := g.Operator(id)
		placed[id] = &plan.PlacedOperator{
			ID:       op.ID,
			Kind:     op.Kind,
			Name:     op.Name,
			Stateful: op.Stateful,
			Cost:     p.cost(op),
		}
	}

	qp := plan.NewQueryPlacement(p.req.SharedQueryID)
	var forwarders []residentOperator
	for _, e := range g.Edges() {
		child, parent := placed[e.Child], placed[e.Parent]
		from, to := p.assignment[e.Child], p.assignment[e.Parent]
		if from == to || child.Kind.IsForwarding() || parent.Kind.IsForwarding() {
			connect(child, parent)
			qp.Routes[e] = []model.NodeID{from}
			continue
		}
		route, err := p.req.Topology.UpwardPath(from, to)
		if err != nil {
			return nil, err
		}
		qp.Routes[e] = route

		prev := child
		for hop := 0; hop+1 < len(route); hop++ {
			fwdSink := &plan.PlacedOperator{
				ID:   forwardingID(queryplan.OperatorForwardSink, e, hop),
				Kind: queryplan.OperatorForwardSink,
				Peer: route[hop+1],
			}
			fwdSource := &plan.PlacedOperator{
				ID:   forwardingID(queryplan.OperatorForwardSource, e, hop),
				Kind: queryplan.OperatorForwardSource,
				Peer: route[hop],
			}
			connect(prev, fwdSink)
			connect(fwdSink, fwdSource)
			forwarders = append(forwarders,
				residentOperator{node: route[hop], op: fwdSink},
				residentOperator{node: route[hop+1], op: fwdSource})
			prev = fwdSource
		}
		connect(prev, parent)
	}

	for _, id := range p.order {
		qp.MergeIntoExecutionNode(p.assignment[id], placed[id])
	}
	sort.SliceStable(forwarders, func(i, j int) bool { return forwarders[i].node < forwarders[j].node })
	for _, f := range forwarders {
		qp.MergeIntoExecutionNode(f.node, f.op)
	}
	if dropped := qp.Prune(); dropped > 0 {
		log.L().Warn("pruned stale operator references",
			zap.Uint64("shared-query-id", uint64(p.req.SharedQueryID)),
			zap.Int("dropped", dropped))
	}
	return qp, nil
}
