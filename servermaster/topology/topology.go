package topology

import (
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// Node is a topology node. Neighbours are referenced by id only.
type Node struct {
	ID         model.NodeID
	Kind       model.NodeKind
	Capacity   model.RescUnit
	Remaining  model.RescUnit
	Properties map[string]string

	// Parents are downstream neighbours (towards the coordinator).
	Parents []model.NodeID
	// Children are upstream neighbours (towards the sensors).
	Children []model.NodeID
}

func (n *Node) clone() *Node {
	ret := *n
	ret.Parents = append([]model.NodeID(nil), n.Parents...)
	ret.Children = append([]model.NodeID(nil), n.Children...)
	if n.Properties != nil {
		ret.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			ret.Properties[k] = v
		}
	}
	return &ret
}

// Link connects a child (Upstream) to a parent (Downstream).
type Link struct {
	model.LinkInfo
	Type model.LinkType
}

type linkKey struct {
	upstream, downstream model.NodeID
}

// Topology is an arena of nodes and links indexed by id. It is safe for
// concurrent use. Every mutation bumps its revision.
type Topology struct {
	mu       sync.RWMutex
	nodes    map[model.NodeID]*Node
	links    map[linkKey]*Link
	revision uint64
}

// New creates an empty topology.
func New() *Topology {
	return &Topology{
		nodes: make(map[model.NodeID]*Node),
		links: make(map[linkKey]*Link),
	}
}

// Revision returns the modification counter of the topology.
func (t *Topology) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revision
}

// Clone returns a deep copy carrying the same revision.
func (t *Topology) Clone() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := &Topology{
		nodes:    make(map[model.NodeID]*Node, len(t.nodes)),
		links:    make(map[linkKey]*Link, len(t.links)),
		revision: t.revision,
	}
	for id, n := range t.nodes {
		ret.nodes[id] = n.clone()
	}
	for k, l := range t.links {
		cp := *l
		ret.links[k] = &cp
	}
	return ret
}

// AddNode registers a node joining the cluster with all of its capacity free.
func (t *Topology) AddNode(info model.NodeInfo) error {
	if info.ID == model.InvalidNodeID {
		return errors.ErrUnknownTopologyNode.GenWithStackByArgs(info.ID)
	}
	if info.Capacity < 0 {
		return errors.ErrInvalidConfig.GenWithStackByArgs("negative node capacity")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[info.ID]; ok {
		return errors.ErrTopologyNodeExists.GenWithStackByArgs(info.ID)
	}
	n := &Node{
		ID:        info.ID,
		Kind:      info.Kind,
		Capacity:  info.Capacity,
		Remaining: info.Capacity,
	}
	if len(info.Properties) > 0 {
		n.Properties = make(map[string]string, len(info.Properties))
		for k, v := range info.Properties {
			n.Properties[k] = v
		}
	}
	t.nodes[info.ID] = n
	t.revision++

	log.L().Info("topology node is registered",
		zap.Uint64("node-id", uint64(info.ID)),
		zap.Stringer("kind", info.Kind),
		zap.Int("capacity", int(info.Capacity)))
	return nil
}

// RemoveNode removes the node and every link incident to it. The removed
// links are returned.
func (t *Topology) RemoveNode(id model.NodeID) ([]model.LinkInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, errors.ErrUnknownTopologyNode.GenWithStackByArgs(id)
	}

	// removeLinkNoLock edits n.Parents and n.Children in place.
	parents := append([]model.NodeID(nil), n.Parents...)
	children := append([]model.NodeID(nil), n.Children...)
	var removed []model.LinkInfo
	for _, parent := range parents {
		removed = append(removed, t.removeLinkNoLock(id, parent))
	}
	for _, child := range children {
		removed = append(removed, t.removeLinkNoLock(child, id))
	}
	delete(t.nodes, id)
	t.revision++

	log.L().Info("topology node is removed",
		zap.Uint64("node-id", uint64(id)), zap.Int("removed-links", len(removed)))
	return removed, nil
}

// AddLink connects two registered nodes. The link type is derived from
// the kinds of its endpoints.
func (t *Topology) AddLink(info model.LinkInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	up, ok := t.nodes[info.Upstream]
	if !ok {
		return errors.ErrUnknownTopologyNode.GenWithStackByArgs(info.Upstream)
	}
	down, ok := t.nodes[info.Downstream]
	if !ok {
		return errors.ErrUnknownTopologyNode.GenWithStackByArgs(info.Downstream)
	}
	if info.Upstream == info.Downstream {
		return errors.ErrTopologyLinkExists.GenWithStackByArgs(info.Upstream, info.Downstream)
	}
	key := linkKey{upstream: info.Upstream, downstream: info.Downstream}
	if _, ok := t.links[key]; ok {
		return errors.ErrTopologyLinkExists.GenWithStackByArgs(info.Upstream, info.Downstream)
	}
	if _, ok := t.links[linkKey{upstream: info.Downstream, downstream: info.Upstream}]; ok {
		return errors.ErrTopologyLinkExists.GenWithStackByArgs(info.Downstream, info.Upstream)
	}

	t.links[key] = &Link{
		LinkInfo: info,
		Type:     model.NewLinkType(up.Kind, down.Kind),
	}
	up.Parents = insertSorted(up.Parents, down.ID)
	down.Children = insertSorted(down.Children, up.ID)
	t.revision++
	return nil
}

// RemoveLink removes the link between upstream and downstream.
func (t *Topology) RemoveLink(upstream, downstream model.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.links[linkKey{upstream: upstream, downstream: downstream}]; !ok {
		return errors.ErrUnknownTopologyLink.GenWithStackByArgs(upstream, downstream)
	}
	t.removeLinkNoLock(upstream, downstream)
	t.revision++
	return nil
}

func (t *Topology) removeLinkNoLock(upstream, downstream model.NodeID) model.LinkInfo {
	key := linkKey{upstream: upstream, downstream: downstream}
	l := t.links[key]
	delete(t.links, key)
	if up, ok := t.nodes[upstream]; ok {
		up.Parents = removeID(up.Parents, downstream)
	}
	if down, ok := t.nodes[downstream]; ok {
		down.Children = removeID(down.Children, upstream)
	}
	if l == nil {
		return model.LinkInfo{Upstream: upstream, Downstream: downstream}
	}
	return l.LinkInfo
}

// AddLinkProperty updates the tie-break weights of an existing link.
func (t *Topology) AddLinkProperty(upstream, downstream model.NodeID, bandwidth, latency uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[linkKey{upstream: upstream, downstream: downstream}]
	if !ok {
		return errors.ErrUnknownTopologyLink.GenWithStackByArgs(upstream, downstream)
	}
	l.Bandwidth = bandwidth
	l.Latency = latency
	t.revision++
	return nil
}

// ReduceCapacity occupies slots on a node.
func (t *Topology) ReduceCapacity(id model.NodeID, amount model.RescUnit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return errors.ErrUnknownTopologyNode.GenWithStackByArgs(id)
	}
	if amount < 0 || n.Remaining < amount {
		return errors.ErrInsufficientCapacity.GenWithStackByArgs(id, n.Remaining, amount)
	}
	n.Remaining -= amount
	t.revision++
	return nil
}

// IncreaseCapacity releases slots on a node.
func (t *Topology) IncreaseCapacity(id model.NodeID, amount model.RescUnit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return errors.ErrUnknownTopologyNode.GenWithStackByArgs(id)
	}
	if amount < 0 || n.Remaining+amount > n.Capacity {
		return errors.ErrCapacityOverflow.GenWithStackByArgs(id, n.Capacity)
	}
	n.Remaining += amount
	t.revision++
	return nil
}

// ApplyCapacityChanges adjusts several nodes at once. Positive values
// release slots, negative values occupy them. Either every change is
// applied or none is.
func (t *Topology) ApplyCapacityChanges(changes map[model.NodeID]model.RescUnit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, change := range changes {
		n, ok := t.nodes[id]
		if !ok {
			return errors.ErrUnknownTopologyNode.GenWithStackByArgs(id)
		}
		next := n.Remaining + change
		if next < 0 {
			return errors.ErrInsufficientCapacity.GenWithStackByArgs(id, n.Remaining, -change)
		}
		if next > n.Capacity {
			return errors.ErrCapacityOverflow.GenWithStackByArgs(id, n.Capacity)
		}
	}
	changed := false
	for id, change := range changes {
		if change == 0 {
			continue
		}
		t.nodes[id].Remaining += change
		changed = true
	}
	if changed {
		t.revision++
	}
	return nil
}

// Node returns a copy of the node.
func (t *Topology) Node(id model.NodeID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// HasNode returns whether the node is registered.
func (t *Topology) HasNode(id model.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// RemainingCapacity returns the free slots of a node, or false if the
// node is unknown.
func (t *Topology) RemainingCapacity(id model.NodeID) (model.RescUnit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return 0, false
	}
	return n.Remaining, true
}

// NodeIDs returns the ids of all nodes in ascending order.
func (t *Topology) NodeIDs() []model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := make([]model.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ret = append(ret, id)
	}
	sortIDs(ret)
	return ret
}

// Links returns every link ordered by (upstream, downstream).
func (t *Topology) Links() []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		ret = append(ret, *l)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Upstream != ret[j].Upstream {
			return ret[i].Upstream < ret[j].Upstream
		}
		return ret[i].Downstream < ret[j].Downstream
	})
	return ret
}

// Link returns the link between upstream and downstream, if any.
func (t *Topology) Link(upstream, downstream model.NodeID) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l, ok := t.links[linkKey{upstream: upstream, downstream: downstream}]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Root returns the coordinator node with the smallest id.
func (t *Topology) Root() (model.NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := model.InvalidNodeID
	for id, n := range t.nodes {
		if n.Kind != model.NodeCoordinator {
			continue
		}
		if root == model.InvalidNodeID || id < root {
			root = id
		}
	}
	return root, root != model.InvalidNodeID
}

// Capacities returns the remaining capacity of every node. The returned
// map is a copy.
func (t *Topology) Capacities() map[model.NodeID]model.RescUnit {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := make(map[model.NodeID]model.RescUnit, len(t.nodes))
	for id, n := range t.nodes {
		ret[id] = n.Remaining
	}
	return ret
}

func insertSorted(ids []model.NodeID, id model.NodeID) []model.NodeID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeID(ids []model.NodeID, id model.NodeID) []model.NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortIDs(ids []model.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
