package model

import (
	"encoding/json"
	"fmt"
)

// NodeID identifies a topology node. Zero is never a valid node id.
type NodeID uint64

// InvalidNodeID marks an operator that is not pinned to any node.
const InvalidNodeID NodeID = 0

// RescUnit is the min unit of resource that we count, a "slot".
type RescUnit int

// NodeKind is the role a node plays in the cluster topology.
type NodeKind int

const (
	// NodeCoordinator is the root of the topology. Sinks are usually pinned here.
	NodeCoordinator NodeKind = iota + 1
	// NodeWorker is an intermediate processing node.
	NodeWorker
	// NodeSensor is a leaf node producing data for physical sources.
	NodeSensor
)

var nodeKindNames = map[NodeKind]string{
	NodeCoordinator: "coordinator",
	NodeWorker:      "worker",
	NodeSensor:      "sensor",
}

func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseNodeKind is the inverse of NodeKind.String.
func ParseNodeKind(s string) (NodeKind, bool) {
	for kind, name := range nodeKindNames {
		if name == s {
			return kind, true
		}
	}
	return 0, false
}

// MarshalJSON implements json.Marshaler.
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := ParseNodeKind(name)
	if !ok {
		return fmt.Errorf("unknown node kind %q", name)
	}
	*k = kind
	return nil
}

// LinkType is derived from the kinds of the two endpoints of a link.
type LinkType string

// NewLinkType returns the type of a link going from the upstream (child)
// node to the downstream (parent) node.
func NewLinkType(upstream, downstream NodeKind) LinkType {
	return LinkType(upstream.String() + "->" + downstream.String())
}

// NodeInfo describes a node that joins the cluster.
type NodeInfo struct {
	ID         NodeID            `json:"id"`
	Kind       NodeKind          `json:"kind"`
	Capacity   RescUnit          `json:"capacity"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (i NodeInfo) ToJSON() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// LinkInfo describes a link between two nodes. Data flows from Upstream
// (closer to the sensors) to Downstream (closer to the coordinator).
type LinkInfo struct {
	Upstream   NodeID `json:"upstream"`
	Downstream NodeID `json:"downstream"`
	// Bidirectional links may be traversed in both directions by path search.
	Bidirectional bool `json:"bidirectional,omitempty"`
	// Bandwidth in Mbps, used only to break ties between paths.
	Bandwidth uint64 `json:"bandwidth,omitempty"`
	// Latency in milliseconds, used as the path weight.
	Latency uint64 `json:"latency,omitempty"`
}
