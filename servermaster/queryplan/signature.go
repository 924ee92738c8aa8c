package queryplan

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hanfei1991/streamplace/model"
)

// Signature identifies an operator together with its whole upstream
// sub-tree. Two operators with equal signatures compute the same stream.
type Signature uint64

// Signatures computes the signature of every operator of g.
func Signatures(g *Graph) (map[model.OperatorID]Signature, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	ret := make(map[model.OperatorID]Signature, len(order))
	for _, id := range order {
		op := g.ops[id]
		childSigs := make([]uint64, 0, len(op.Children))
		for _, child := range op.Children {
			childSigs = append(childSigs, uint64(ret[child]))
		}
		// union and join inputs are compared as a set
		sort.Slice(childSigs, func(i, j int) bool { return childSigs[i] < childSigs[j] })

		var b strings.Builder
		b.WriteString(op.Kind.String())
		b.WriteByte('|')
		b.WriteString(op.Name)
		b.WriteByte('|')
		b.WriteString(op.Predicate)
		b.WriteByte('|')
		b.WriteString(op.LogicalSource)
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(uint64(op.PinnedNode), 10))
		for _, s := range childSigs {
			b.WriteByte('|')
			b.WriteString(strconv.FormatUint(s, 16))
		}
		ret[id] = Signature(xxhash.Sum64String(b.String()))
	}
	return ret, nil
}

// matchQuery maps every non-sink operator of q that is equivalent to an
// operator of g to that operator.
func matchQuery(g *Graph, q *Graph) (map[model.OperatorID]model.OperatorID, error) {
	existing, err := Signatures(g)
	if err != nil {
		return nil, err
	}
	bySig := make(map[Signature]model.OperatorID, len(existing))
	for _, id := range g.IDs() {
		if g.ops[id].Kind == OperatorSink {
			continue
		}
		if _, ok := bySig[existing[id]]; !ok {
			bySig[existing[id]] = id
		}
	}

	incoming, err := Signatures(q)
	if err != nil {
		return nil, err
	}
	matched := make(map[model.OperatorID]model.OperatorID)
	for _, id := range q.IDs() {
		if q.ops[id].Kind == OperatorSink {
			continue
		}
		if target, ok := bySig[incoming[id]]; ok {
			matched[id] = target
		}
	}
	return matched, nil
}
