package queryplan

import (
	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// IDAllocator hands out operator ids.
type IDAllocator interface {
	AllocID() uint64
}

// Query is a user query before it is merged into a shared query plan.
type Query struct {
	ID    model.QueryID
	Graph *Graph
}

// Sink returns the id of the only sink of the query.
func (q *Query) Sink() (model.OperatorID, error) {
	sinks := q.Graph.Sinks()
	if len(sinks) != 1 {
		return 0, errors.ErrInvalidOperatorGraph.GenWithStackByArgs("a query must have exactly one sink")
	}
	op, _ := q.Graph.Operator(sinks[0])
	if op.Kind != OperatorSink {
		return 0, errors.ErrInvalidOperatorGraph.GenWithStackByArgs("query does not end with a sink")
	}
	return sinks[0], nil
}

// Builder assembles a query graph.
//
//	b := NewBuilder(alloc)
//	b.Source("cars").Filter("speed > 50").Sink("out", rootID)
//	q, err := b.Build(queryID)
type Builder struct {
	alloc IDAllocator
	graph *Graph
	err   error
}

// Stream is the output of an operator under construction.
type Stream struct {
	b  *Builder
	id model.OperatorID
}

// NewBuilder creates a Builder allocating operator ids from alloc.
func NewBuilder(alloc IDAllocator) *Builder {
	return &Builder{alloc: alloc, graph: NewGraph()}
}

func (b *Builder) add(op *Operator, children ...model.OperatorID) *Stream {
	if b.err != nil {
		return &Stream{b: b}
	}
	op.ID = model.OperatorID(b.alloc.AllocID())
	if err := b.graph.AddOperator(op); err != nil {
		b.err = err
		return &Stream{b: b}
	}
	for _, child := range children {
		if err := b.graph.Connect(child, op.ID); err != nil {
			b.err = err
		}
	}
	return &Stream{b: b, id: op.ID}
}

// Source reads from a logical source.
func (b *Builder) Source(logicalSource string) *Stream {
	return b.add(&Operator{Kind: OperatorSource, Name: logicalSource, LogicalSource: logicalSource})
}

// PinnedSource reads from a physical source on a fixed node.
func (b *Builder) PinnedSource(name string, node model.NodeID) *Stream {
	return b.add(&Operator{Kind: OperatorSource, Name: name, PinnedNode: node})
}

// Build validates the graph and returns the query.
func (b *Builder) Build(id model.QueryID) (*Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	q := &Query{ID: id, Graph: b.graph}
	if _, err := q.Sink(); err != nil {
		return nil, err
	}
	return q, nil
}

// ID returns the id of the operator producing the stream.
func (s *Stream) ID() model.OperatorID {
	return s.id
}

func (s *Stream) Filter(predicate string) *Stream {
	return s.b.add(&Operator{Kind: OperatorFilter, Name: "filter", Predicate: predicate}, s.id)
}

func (s *Stream) Map(expr string) *Stream {
	return s.b.add(&Operator{Kind: OperatorMap, Name: "map", Predicate: expr}, s.id)
}

func (s *Stream) Project(fields string) *Stream {
	return s.b.add(&Operator{Kind: OperatorProject, Name: "project", Predicate: fields}, s.id)
}

// Window is stateful.
func (s *Stream) Window(spec string) *Stream {
	return s.b.add(&Operator{Kind: OperatorWindow, Name: "window", Predicate: spec, Stateful: true}, s.id)
}

// Join is stateful.
func (s *Stream) Join(other *Stream, predicate string) *Stream {
	return s.b.add(&Operator{Kind: OperatorJoin, Name: "join", Predicate: predicate, Stateful: true}, s.id, other.id)
}

func (s *Stream) Union(other *Stream) *Stream {
	return s.b.add(&Operator{Kind: OperatorUnion, Name: "union"}, s.id, other.id)
}

// Sink terminates the stream on a fixed node. An invalid node id lets
// placement pick the topology root.
func (s *Stream) Sink(name string, node model.NodeID) *Stream {
	return s.b.add(&Operator{Kind: OperatorSink, Name: name, PinnedNode: node}, s.id)
}

// WithCost overrides the slot cost of the operator producing the stream.
func (s *Stream) WithCost(cost model.RescUnit) *Stream {
	if op, ok := s.b.graph.ops[s.id]; ok {
		op.Cost = cost
	}
	return s
}
