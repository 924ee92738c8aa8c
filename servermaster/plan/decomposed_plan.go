package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// PlacedOperator is an operator as resident on one topology node.
type PlacedOperator struct {
	ID       model.OperatorID       `json:"id"`
	Kind     queryplan.OperatorKind `json:"kind"`
	Name     string                 `json:"name"`
	Stateful bool                   `json:"stateful,omitempty"`
	// Cost is the number of slots charged on the hosting node.
	Cost model.RescUnit `json:"cost"`
	// Upstream and Downstream are resident neighbours.
	Upstream   []model.OperatorID `json:"upstream,omitempty"`
	Downstream []model.OperatorID `json:"downstream,omitempty"`
	// Peer is the node on the other side of a forwarding operator.
	Peer model.NodeID `json:"peer,omitempty"`
}

// Label renders the operator as "name(id)".
func (o *PlacedOperator) Label() string {
	name := o.Name
	if name == "" {
		name = o.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", name, o.ID)
}

func (o *PlacedOperator) clone() *PlacedOperator {
	ret := *o
	ret.Upstream = append([]model.OperatorID(nil), o.Upstream...)
	ret.Downstream = append([]model.OperatorID(nil), o.Downstream...)
	return &ret
}

// DecomposedPlan is the part of a shared query plan resident on one node.
type DecomposedPlan struct {
	ID            model.DecomposedPlanID `json:"id"`
	SharedQueryID model.SharedQueryID    `json:"shared-query-id"`
	NodeID        model.NodeID           `json:"node-id"`
	Version       model.PlanVersion      `json:"version"`
	State         model.QueryState       `json:"state"`
	// Operators are kept sorted by id.
	Operators []*PlacedOperator `json:"operators"`
	// Label is the composition of operator labels in merge order, the most
	// recently merged operator first.
	Label string `json:"label"`
}

// Clone returns a deep copy.
func (p *DecomposedPlan) Clone() *DecomposedPlan {
	ret := *p
	ret.Operators = make([]*PlacedOperator, 0, len(p.Operators))
	for _, op := range p.Operators {
		ret.Operators = append(ret.Operators, op.clone())
	}
	return &ret
}

// Operator returns the resident operator with the given id.
func (p *DecomposedPlan) Operator(id model.OperatorID) (*PlacedOperator, bool) {
	i := p.search(id)
	if i < len(p.Operators) && p.Operators[i].ID == id {
		return p.Operators[i], true
	}
	return nil, false
}

// OperatorIDs returns the ids of resident operators in ascending order.
func (p *DecomposedPlan) OperatorIDs() []model.OperatorID {
	ret := make([]model.OperatorID, 0, len(p.Operators))
	for _, op := range p.Operators {
		ret = append(ret, op.ID)
	}
	return ret
}

// Usage is the number of slots the plan occupies.
func (p *DecomposedPlan) Usage() model.RescUnit {
	var ret model.RescUnit
	for _, op := range p.Operators {
		ret += op.Cost
	}
	return ret
}

func (p *DecomposedPlan) search(id model.OperatorID) int {
	return sort.Search(len(p.Operators), func(i int) bool { return p.Operators[i].ID >= id })
}

func (p *DecomposedPlan) upsert(op *PlacedOperator) bool {
	i := p.search(op.ID)
	if i < len(p.Operators) && p.Operators[i].ID == op.ID {
		p.Operators[i] = op
		return false
	}
	p.Operators = append(p.Operators, nil)
	copy(p.Operators[i+1:], p.Operators[i:])
	p.Operators[i] = op
	return true
}

func (p *DecomposedPlan) remove(id model.OperatorID) bool {
	i := p.search(id)
	if i >= len(p.Operators) || p.Operators[i].ID != id {
		return false
	}
	p.Operators = append(p.Operators[:i], p.Operators[i+1:]...)
	p.Label = removeFromLabel(p.Label, p.labelOf(id))
	return true
}

func (p *DecomposedPlan) labelOf(id model.OperatorID) string {
	return fmt.Sprintf("(%d)", id)
}

// sameContent compares resident operators and their wiring. Ids,
// versions, states and labels are ignored.
func (p *DecomposedPlan) sameContent(o *DecomposedPlan) bool {
	return cmp.Equal(p.Operators, o.Operators, cmpopts.EquateEmpty())
}

const labelSeparator = "=>"

func prependLabel(label string, op *PlacedOperator) string {
	if label == "" {
		return op.Label()
	}
	return op.Label() + labelSeparator + label
}

func removeFromLabel(label, idSuffix string) string {
	if label == "" {
		return label
	}
	parts := strings.Split(label, labelSeparator)
	kept := parts[:0]
	for _, part := range parts {
		if strings.HasSuffix(part, idSuffix) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, labelSeparator)
}
