package catalog

import (
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// PhysicalSource is a data source attached to a sensor node.
type PhysicalSource struct {
	Name          string       `json:"name" yaml:"name"`
	LogicalSource string       `json:"logical-source" yaml:"logical-source"`
	NodeID        model.NodeID `json:"node-id" yaml:"node-id"`
}

// SourceCatalog maps logical sources onto physical sources.
type SourceCatalog struct {
	mu       sync.RWMutex
	sources  map[string]map[string]PhysicalSource // logical -> physical name -> source
	revision uint64
}

// NewSourceCatalog creates an empty catalog.
func NewSourceCatalog() *SourceCatalog {
	return &SourceCatalog{sources: make(map[string]map[string]PhysicalSource)}
}

// RegisterPhysicalSource adds or replaces a physical source.
func (c *SourceCatalog) RegisterPhysicalSource(src PhysicalSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, ok := c.sources[src.LogicalSource]
	if !ok {
		byName = make(map[string]PhysicalSource)
		c.sources[src.LogicalSource] = byName
	}
	byName[src.Name] = src
	c.revision++
	log.L().Info("physical source registered",
		zap.String("logical-source", src.LogicalSource),
		zap.String("physical-source", src.Name),
		zap.Uint64("node-id", uint64(src.NodeID)))
}

// UnregisterPhysicalSource removes a physical source.
func (c *SourceCatalog) UnregisterPhysicalSource(logicalSource, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName, ok := c.sources[logicalSource]
	if !ok {
		return errors.ErrSourceNotFound.GenWithStackByArgs(logicalSource)
	}
	if _, ok := byName[name]; !ok {
		return errors.ErrSourceNotFound.GenWithStackByArgs(logicalSource + "/" + name)
	}
	delete(byName, name)
	if len(byName) == 0 {
		delete(c.sources, logicalSource)
	}
	c.revision++
	return nil
}

// RemoveNode drops every physical source attached to the node and returns
// how many were removed.
func (c *SourceCatalog) RemoveNode(id model.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for logical, byName := range c.sources {
		for name, src := range byName {
			if src.NodeID == id {
				delete(byName, name)
				removed++
			}
		}
		if len(byName) == 0 {
			delete(c.sources, logical)
		}
	}
	if removed > 0 {
		c.revision++
	}
	return removed
}

// ResolveSourceNodes returns the distinct nodes hosting physical sources
// of the logical source, in ascending order.
func (c *SourceCatalog) ResolveSourceNodes(logicalSource string) ([]model.NodeID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byName, ok := c.sources[logicalSource]
	if !ok || len(byName) == 0 {
		return nil, errors.ErrSourceNotFound.GenWithStackByArgs(logicalSource)
	}
	seen := make(map[model.NodeID]struct{}, len(byName))
	ret := make([]model.NodeID, 0, len(byName))
	for _, src := range byName {
		if _, ok := seen[src.NodeID]; ok {
			continue
		}
		seen[src.NodeID] = struct{}{}
		ret = append(ret, src.NodeID)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret, nil
}

// Revision returns the modification counter.
func (c *SourceCatalog) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Clone returns a deep copy carrying the same revision.
func (c *SourceCatalog) Clone() *SourceCatalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ret := &SourceCatalog{
		sources:  make(map[string]map[string]PhysicalSource, len(c.sources)),
		revision: c.revision,
	}
	for logical, byName := range c.sources {
		cp := make(map[string]PhysicalSource, len(byName))
		for name, src := range byName {
			cp[name] = src
		}
		ret.sources[logical] = cp
	}
	return ret
}
