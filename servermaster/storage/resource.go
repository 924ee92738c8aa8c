package storage

import (
	"fmt"
	"strings"

	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/catalog"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/topology"
)

// ResourceType names a piece of shared cluster state.
type ResourceType int

const (
	ResourceTopology ResourceType = iota + 1
	ResourceExecutionPlan
	ResourceQueryCatalog
	ResourceSourceCatalog
)

var resourceTypeNames = map[ResourceType]string{
	ResourceTopology:      "topology",
	ResourceExecutionPlan: "execution-plan",
	ResourceQueryCatalog:  "query-catalog",
	ResourceSourceCatalog: "source-catalog",
}

func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseResourceType is the inverse of ResourceType.String.
func ParseResourceType(s string) (ResourceType, bool) {
	for t, name := range resourceTypeNames {
		if name == strings.TrimSpace(s) {
			return t, true
		}
	}
	return 0, false
}

// AllResources lists every resource in the default lock order.
var AllResources = []ResourceType{
	ResourceTopology,
	ResourceExecutionPlan,
	ResourceQueryCatalog,
	ResourceSourceCatalog,
}

// versioned is implemented by every shared resource. The revision grows
// with every mutation and Clone copies it.
type versioned interface {
	Revision() uint64
}

// ClusterState is the shared mutable state of the coordinator. It is only
// reachable through a Handler.
type ClusterState struct {
	topology      *topology.Topology
	executionPlan *plan.ExecutionPlan
	queryCatalog  *catalog.QueryCatalog
	sourceCatalog *catalog.SourceCatalog
}

// NewClusterState creates empty cluster state.
func NewClusterState() *ClusterState {
	return &ClusterState{
		topology:      topology.New(),
		executionPlan: plan.NewExecutionPlan(),
		queryCatalog:  catalog.NewQueryCatalog(),
		sourceCatalog: catalog.NewSourceCatalog(),
	}
}

func (s *ClusterState) get(t ResourceType) versioned {
	switch t {
	case ResourceTopology:
		return s.topology
	case ResourceExecutionPlan:
		return s.executionPlan
	case ResourceQueryCatalog:
		return s.queryCatalog
	case ResourceSourceCatalog:
		return s.sourceCatalog
	}
	return nil
}

func (s *ClusterState) clone(t ResourceType) versioned {
	switch t {
	case ResourceTopology:
		return s.topology.Clone()
	case ResourceExecutionPlan:
		return s.executionPlan.Clone()
	case ResourceQueryCatalog:
		return s.queryCatalog.Clone()
	case ResourceSourceCatalog:
		return s.sourceCatalog.Clone()
	}
	return nil
}

func (s *ClusterState) set(t ResourceType, v versioned) {
	switch t {
	case ResourceTopology:
		s.topology = v.(*topology.Topology)
	case ResourceExecutionPlan:
		s.executionPlan = v.(*plan.ExecutionPlan)
	case ResourceQueryCatalog:
		s.queryCatalog = v.(*catalog.QueryCatalog)
	case ResourceSourceCatalog:
		s.sourceCatalog = v.(*catalog.SourceCatalog)
	}
}

// Resources gives an amendment access to the resources it acquired.
type Resources struct {
	items map[ResourceType]versioned
}

func (r *Resources) lookup(t ResourceType) (versioned, error) {
	v, ok := r.items[t]
	if !ok {
		return nil, derror.ErrResourceNotAcquired.GenWithStackByArgs(t)
	}
	return v, nil
}

// Topology returns the topology if it was acquired.
func (r *Resources) Topology() (*topology.Topology, error) {
	v, err := r.lookup(ResourceTopology)
	if err != nil {
		return nil, err
	}
	return v.(*topology.Topology), nil
}

// ExecutionPlan returns the execution plan if it was acquired.
func (r *Resources) ExecutionPlan() (*plan.ExecutionPlan, error) {
	v, err := r.lookup(ResourceExecutionPlan)
	if err != nil {
		return nil, err
	}
	return v.(*plan.ExecutionPlan), nil
}

// QueryCatalog returns the query catalog if it was acquired.
func (r *Resources) QueryCatalog() (*catalog.QueryCatalog, error) {
	v, err := r.lookup(ResourceQueryCatalog)
	if err != nil {
		return nil, err
	}
	return v.(*catalog.QueryCatalog), nil
}

// SourceCatalog returns the source catalog if it was acquired.
func (r *Resources) SourceCatalog() (*catalog.SourceCatalog, error) {
	v, err := r.lookup(ResourceSourceCatalog)
	if err != nil {
		return nil, err
	}
	return v.(*catalog.SourceCatalog), nil
}
