package queryplan

import (
	"fmt"
	"sort"

	"github.com/hanfei1991/streamplace/model"
)

// OperatorKind is the kind of a logical operator.
type OperatorKind int

const (
	OperatorSource OperatorKind = iota + 1
	OperatorFilter
	OperatorMap
	OperatorProject
	OperatorWindow
	OperatorJoin
	OperatorUnion
	OperatorSink
	// OperatorForwardSource receives data from another topology node.
	OperatorForwardSource
	// OperatorForwardSink sends data to another topology node.
	OperatorForwardSink
)

var operatorKindNames = map[OperatorKind]string{
	OperatorSource:        "source",
	OperatorFilter:        "filter",
	OperatorMap:           "map",
	OperatorProject:       "project",
	OperatorWindow:        "window",
	OperatorJoin:          "join",
	OperatorUnion:         "union",
	OperatorSink:          "sink",
	OperatorForwardSource: "forward-source",
	OperatorForwardSink:   "forward-sink",
}

func (k OperatorKind) String() string {
	if name, ok := operatorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseOperatorKind is the inverse of OperatorKind.String.
func ParseOperatorKind(s string) (OperatorKind, bool) {
	for kind, name := range operatorKindNames {
		if name == s {
			return kind, true
		}
	}
	return 0, false
}

// IsForwarding returns whether operators of this kind only move data
// between topology nodes.
func (k OperatorKind) IsForwarding() bool {
	return k == OperatorForwardSource || k == OperatorForwardSink
}

// Operator is a node of an operator graph. Children are upstream
// producers, parents are downstream consumers.
type Operator struct {
	ID        model.OperatorID `json:"id"`
	Kind      OperatorKind     `json:"kind"`
	Name      string           `json:"name"`
	Predicate string           `json:"predicate,omitempty"`
	// LogicalSource is set on sources before expansion.
	LogicalSource string `json:"logical-source,omitempty"`
	// PinnedNode is the fixed location of sources and sinks.
	PinnedNode model.NodeID `json:"pinned-node,omitempty"`
	// Stateful operators need their state transferred when they move.
	Stateful bool `json:"stateful,omitempty"`
	// Cost in slots. Zero means the placement default.
	Cost model.RescUnit `json:"cost,omitempty"`
	// Origin is the operator a per-source copy was expanded from.
	Origin model.OperatorID `json:"origin,omitempty"`

	Children []model.OperatorID `json:"children,omitempty"`
	Parents  []model.OperatorID `json:"parents,omitempty"`
}

// Clone returns a deep copy of the operator.
func (o *Operator) Clone() *Operator {
	ret := *o
	ret.Children = append([]model.OperatorID(nil), o.Children...)
	ret.Parents = append([]model.OperatorID(nil), o.Parents...)
	return &ret
}

// Label renders the operator as "name(id)".
func (o *Operator) Label() string {
	name := o.Name
	if name == "" {
		name = o.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", name, o.ID)
}

// OriginID returns the id of the operator in the unexpanded graph.
func (o *Operator) OriginID() model.OperatorID {
	if o.Origin != 0 {
		return o.Origin
	}
	return o.ID
}

// IsPinned returns whether the operator has a fixed location.
func (o *Operator) IsPinned() bool {
	return o.PinnedNode != model.InvalidNodeID
}

func addOperatorID(ids []model.OperatorID, id model.OperatorID) []model.OperatorID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeOperatorID(ids []model.OperatorID, id model.OperatorID) []model.OperatorID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// SortOperatorIDs sorts ids in ascending order.
func SortOperatorIDs(ids []model.OperatorID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
