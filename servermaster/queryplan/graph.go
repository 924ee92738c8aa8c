package queryplan

import (
	"sort"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// Edge is a logical data flow from Child to Parent.
type Edge struct {
	Child  model.OperatorID `json:"child"`
	Parent model.OperatorID `json:"parent"`
}

// Graph is an operator DAG. It is not safe for concurrent use.
type Graph struct {
	ops map[model.OperatorID]*Operator
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{ops: make(map[model.OperatorID]*Operator)}
}

// AddOperator adds a copy of op without its edges.
func (g *Graph) AddOperator(op *Operator) error {
	if _, ok := g.ops[op.ID]; ok {
		return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("duplicated operator id")
	}
	cp := op.Clone()
	cp.Children, cp.Parents = nil, nil
	g.ops[op.ID] = cp
	return nil
}

// Connect adds an edge from child to parent.
func (g *Graph) Connect(child, parent model.OperatorID) error {
	c, ok := g.ops[child]
	if !ok {
		return errors.ErrUnknownOperator.GenWithStackByArgs(child)
	}
	p, ok := g.ops[parent]
	if !ok {
		return errors.ErrUnknownOperator.GenWithStackByArgs(parent)
	}
	if child == parent {
		return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("self loop")
	}
	c.Parents = addOperatorID(c.Parents, parent)
	p.Children = addOperatorID(p.Children, child)
	return nil
}

// Disconnect removes the edge from child to parent, if any.
func (g *Graph) Disconnect(child, parent model.OperatorID) bool {
	c, ok := g.ops[child]
	if !ok {
		return false
	}
	p, ok := g.ops[parent]
	if !ok {
		return false
	}
	before := len(c.Parents)
	c.Parents = removeOperatorID(c.Parents, parent)
	p.Children = removeOperatorID(p.Children, child)
	return before != len(c.Parents)
}

// RemoveOperator removes the operator and returns its former edges.
func (g *Graph) RemoveOperator(id model.OperatorID) []Edge {
	op, ok := g.ops[id]
	if !ok {
		return nil
	}
	var removed []Edge
	for _, child := range append([]model.OperatorID(nil), op.Children...) {
		g.Disconnect(child, id)
		removed = append(removed, Edge{Child: child, Parent: id})
	}
	for _, parent := range append([]model.OperatorID(nil), op.Parents...) {
		g.Disconnect(id, parent)
		removed = append(removed, Edge{Child: id, Parent: parent})
	}
	delete(g.ops, id)
	return removed
}

// Operator returns the operator with the given id. The returned value
// must not be modified.
func (g *Graph) Operator(id model.OperatorID) (*Operator, bool) {
	op, ok := g.ops[id]
	return op, ok
}

// Has returns whether the graph contains the operator.
func (g *Graph) Has(id model.OperatorID) bool {
	_, ok := g.ops[id]
	return ok
}

// Len returns the number of operators.
func (g *Graph) Len() int {
	return len(g.ops)
}

// IDs returns all operator ids in ascending order.
func (g *Graph) IDs() []model.OperatorID {
	ret := make([]model.OperatorID, 0, len(g.ops))
	for id := range g.ops {
		ret = append(ret, id)
	}
	SortOperatorIDs(ret)
	return ret
}

// Sources returns the ids of operators without children.
func (g *Graph) Sources() []model.OperatorID {
	var ret []model.OperatorID
	for _, id := range g.IDs() {
		if len(g.ops[id].Children) == 0 {
			ret = append(ret, id)
		}
	}
	return ret
}

// Sinks returns the ids of operators without parents.
func (g *Graph) Sinks() []model.OperatorID {
	var ret []model.OperatorID
	for _, id := range g.IDs() {
		if len(g.ops[id].Parents) == 0 {
			ret = append(ret, id)
		}
	}
	return ret
}

// Edges returns all edges ordered by (child, parent).
func (g *Graph) Edges() []Edge {
	var ret []Edge
	for _, id := range g.IDs() {
		for _, parent := range g.ops[id].Parents {
			ret = append(ret, Edge{Child: id, Parent: parent})
		}
	}
	return ret
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	ret := &Graph{ops: make(map[model.OperatorID]*Operator, len(g.ops))}
	for id, op := range g.ops {
		ret.ops[id] = op.Clone()
	}
	return ret
}

// Validate checks that the graph is acyclic, that every non-source operator
// has a child and that every non-sink operator has a parent.
func (g *Graph) Validate() error {
	if len(g.ops) == 0 {
		return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("empty graph")
	}
	for _, id := range g.IDs() {
		op := g.ops[id]
		switch op.Kind {
		case OperatorSource, OperatorForwardSource:
			if len(op.Children) != 0 {
				return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("source operator has children")
			}
		default:
			if len(op.Children) == 0 {
				return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("non-source operator has no child")
			}
		}
		switch op.Kind {
		case OperatorSink, OperatorForwardSink:
			if len(op.Parents) != 0 {
				return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("sink operator has parents")
			}
		default:
			if len(op.Parents) == 0 {
				return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("non-sink operator has no parent")
			}
		}
	}
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns operator ids with every child before its
// parents. Among ready operators the smallest id comes first.
func (g *Graph) TopologicalOrder() ([]model.OperatorID, error) {
	indegree := make(map[model.OperatorID]int, len(g.ops))
	var ready []model.OperatorID
	for id, op := range g.ops {
		indegree[id] = len(op.Children)
		if len(op.Children) == 0 {
			ready = append(ready, id)
		}
	}
	SortOperatorIDs(ready)

	order := make([]model.OperatorID, 0, len(g.ops))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, parent := range g.ops[id].Parents {
			indegree[parent]--
			if indegree[parent] == 0 {
				i := sort.Search(len(ready), func(i int) bool { return ready[i] >= parent })
				ready = append(ready, 0)
				copy(ready[i+1:], ready[i:])
				ready[i] = parent
			}
		}
	}
	if len(order) != len(g.ops) {
		return nil, errors.ErrInvalidOperatorGraph.GenWithStackByArgs("cycle detected")
	}
	return order, nil
}

// Downstream returns ids and every operator reachable from them through
// parent edges.
func (g *Graph) Downstream(ids []model.OperatorID) (map[model.OperatorID]struct{}, error) {
	ret := make(map[model.OperatorID]struct{})
	walker := NewDAGWalker(func(op *Operator) ([]model.OperatorID, error) {
		ret[op.ID] = struct{}{}
		return op.Parents, nil
	})
	if err := walker.Walk(g, ids); err != nil {
		return nil, err
	}
	return ret, nil
}

// Upstream returns ids and every operator reachable from them through
// child edges.
func (g *Graph) Upstream(ids []model.OperatorID) (map[model.OperatorID]struct{}, error) {
	ret := make(map[model.OperatorID]struct{})
	walker := NewDAGWalker(func(op *Operator) ([]model.OperatorID, error) {
		ret[op.ID] = struct{}{}
		return op.Children, nil
	})
	if err := walker.Walk(g, ids); err != nil {
		return nil, err
	}
	return ret, nil
}
