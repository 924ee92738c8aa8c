package topology

import (
	"container/heap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// pathCost orders paths by hop count, then total latency, then higher
// total bandwidth.
type pathCost struct {
	hops      int
	latency   uint64
	bandwidth uint64
}

func (c pathCost) less(o pathCost) bool {
	if c.hops != o.hops {
		return c.hops < o.hops
	}
	if c.latency != o.latency {
		return c.latency < o.latency
	}
	return c.bandwidth > o.bandwidth
}

func (c pathCost) add(l *Link) pathCost {
	return pathCost{
		hops:      c.hops + 1,
		latency:   c.latency + l.Latency,
		bandwidth: c.bandwidth + l.Bandwidth,
	}
}

type pathItem struct {
	id   model.NodeID
	cost pathCost
}

type pathHeap []pathItem

func (h pathHeap) Len() int { return len(h) }
func (h pathHeap) Less(i, j int) bool {
	if h[i].cost == h[j].cost {
		return h[i].id < h[j].id
	}
	return h[i].cost.less(h[j].cost)
}
func (h pathHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pathHeap) Push(x interface{}) { *h = append(*h, x.(pathItem)) }
func (h *pathHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// childNeighboursNoLock returns the nodes reachable from id by moving one
// hop away from the coordinator. Bidirectional links may also be used
// the other way round.
func (t *Topology) childNeighboursNoLock(id model.NodeID) []neighbour {
	n := t.nodes[id]
	ret := make([]neighbour, 0, len(n.Children))
	for _, child := range n.Children {
		ret = append(ret, neighbour{id: child, link: t.links[linkKey{upstream: child, downstream: id}]})
	}
	for _, parent := range n.Parents {
		l := t.links[linkKey{upstream: id, downstream: parent}]
		if l.Bidirectional {
			ret = append(ret, neighbour{id: parent, link: l})
		}
	}
	return ret
}

func (t *Topology) parentNeighboursNoLock(id model.NodeID) []neighbour {
	n := t.nodes[id]
	ret := make([]neighbour, 0, len(n.Parents))
	for _, parent := range n.Parents {
		ret = append(ret, neighbour{id: parent, link: t.links[linkKey{upstream: id, downstream: parent}]})
	}
	for _, child := range n.Children {
		l := t.links[linkKey{upstream: child, downstream: id}]
		if l.Bidirectional {
			ret = append(ret, neighbour{id: child, link: l})
		}
	}
	return ret
}

type neighbour struct {
	id   model.NodeID
	link *Link
}

// CandidatePath returns the nodes from sinkSide down to sourceNode, both
// included, following the cheapest path. Ties are broken towards smaller
// node ids so the result is deterministic.
func (t *Topology) CandidatePath(sinkSide, sourceNode model.NodeID) ([]model.NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.candidatePathNoLock(sinkSide, sourceNode)
}

func (t *Topology) candidatePathNoLock(from, to model.NodeID) ([]model.NodeID, error) {
	if _, ok := t.nodes[from]; !ok {
		return nil, errors.ErrNoPathExists.GenWithStackByArgs(from, to)
	}
	if _, ok := t.nodes[to]; !ok {
		return nil, errors.ErrNoPathExists.GenWithStackByArgs(from, to)
	}
	if from == to {
		return []model.NodeID{from}, nil
	}

	best := map[model.NodeID]pathCost{from: {}}
	prev := make(map[model.NodeID]model.NodeID)
	done := make(map[model.NodeID]struct{})
	h := &pathHeap{{id: from}}

	for h.Len() > 0 {
		item := heap.Pop(h).(pathItem)
		if _, ok := done[item.id]; ok {
			continue
		}
		done[item.id] = struct{}{}
		if item.id == to {
			break
		}
		for _, nb := range t.childNeighboursNoLock(item.id) {
			if _, ok := done[nb.id]; ok {
				continue
			}
			cost := item.cost.add(nb.link)
			old, seen := best[nb.id]
			if seen && !cost.less(old) {
				continue
			}
			best[nb.id] = cost
			prev[nb.id] = item.id
			heap.Push(h, pathItem{id: nb.id, cost: cost})
		}
	}

	if _, ok := done[to]; !ok {
		return nil, errors.ErrNoPathExists.GenWithStackByArgs(from, to)
	}
	var path []model.NodeID
	for cur := to; ; cur = prev[cur] {
		path = append(path, cur)
		if cur == from {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// UpwardPath returns the nodes from sourceSide up to sinkSide, both
// included. It is the reverse of CandidatePath(sinkSide, sourceSide).
func (t *Topology) UpwardPath(sourceSide, sinkSide model.NodeID) ([]model.NodeID, error) {
	path, err := t.CandidatePath(sinkSide, sourceSide)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FindCommonAncestor returns the closest node reachable upwards from every
// given node. Closeness is the maximal hop distance, then the summed hop
// distance, then the node id.
func (t *Topology) FindCommonAncestor(ids []model.NodeID) (model.NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(ids) == 0 {
		return model.InvalidNodeID, errors.ErrNoPathExists.GenWithStackByArgs(model.InvalidNodeID, model.InvalidNodeID)
	}

	type reach struct {
		count, maxDist, sumDist int
	}
	reachable := make(map[model.NodeID]*reach)
	for _, start := range ids {
		if _, ok := t.nodes[start]; !ok {
			return model.InvalidNodeID, errors.ErrNoPathExists.GenWithStackByArgs(start, model.InvalidNodeID)
		}
		for id, dist := range t.upwardDistancesNoLock(start) {
			r, ok := reachable[id]
			if !ok {
				r = &reach{}
				reachable[id] = r
			}
			r.count++
			r.sumDist += dist
			if dist > r.maxDist {
				r.maxDist = dist
			}
		}
	}

	found := model.InvalidNodeID
	var bestReach *reach
	for id, r := range reachable {
		if r.count != len(ids) {
			continue
		}
		better := bestReach == nil ||
			r.maxDist < bestReach.maxDist ||
			(r.maxDist == bestReach.maxDist && r.sumDist < bestReach.sumDist) ||
			(r.maxDist == bestReach.maxDist && r.sumDist == bestReach.sumDist && id < found)
		if better {
			found, bestReach = id, r
		}
	}
	if bestReach == nil {
		return model.InvalidNodeID, errors.ErrNoPathExists.GenWithStackByArgs(ids[0], ids[len(ids)-1])
	}
	return found, nil
}

// upwardDistancesNoLock returns the hop distance from start to every node
// reachable by moving towards the coordinator.
func (t *Topology) upwardDistancesNoLock(start model.NodeID) map[model.NodeID]int {
	dist := map[model.NodeID]int{start: 0}
	queue := []model.NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.parentNeighboursNoLock(cur) {
			if _, ok := dist[nb.id]; ok {
				continue
			}
			dist[nb.id] = dist[cur] + 1
			queue = append(queue, nb.id)
		}
	}
	return dist
}
