package catalog

import (
	"sync"

	"github.com/hanfei1991/streamplace/model"
)

// StatusSink receives run-state updates. Placement only writes to it.
type StatusSink interface {
	SetSharedQueryState(id model.SharedQueryID, state model.QueryState)
	SetQueryState(id model.QueryID, state model.QueryState)
}

// QueryCatalog records the run-state of queries and shared query plans.
type QueryCatalog struct {
	mu          sync.RWMutex
	queries     map[model.QueryID]model.QueryState
	sharedPlans map[model.SharedQueryID]model.QueryState
	revision    uint64
}

// NewQueryCatalog creates an empty catalog.
func NewQueryCatalog() *QueryCatalog {
	return &QueryCatalog{
		queries:     make(map[model.QueryID]model.QueryState),
		sharedPlans: make(map[model.SharedQueryID]model.QueryState),
	}
}

func (c *QueryCatalog) SetSharedQueryState(id model.SharedQueryID, state model.QueryState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedPlans[id] = state
	c.revision++
}

func (c *QueryCatalog) SetQueryState(id model.QueryID, state model.QueryState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[id] = state
	c.revision++
}

// ForgetQuery drops the state of a removed query.
func (c *QueryCatalog) ForgetQuery(id model.QueryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queries[id]; ok {
		delete(c.queries, id)
		c.revision++
	}
}

// QueryState returns the last recorded state of the query.
func (c *QueryCatalog) QueryState(id model.QueryID) (model.QueryState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.queries[id]
	return s, ok
}

// SharedQueryState returns the last recorded state of the shared plan.
func (c *QueryCatalog) SharedQueryState(id model.SharedQueryID) (model.QueryState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sharedPlans[id]
	return s, ok
}

// Revision returns the modification counter.
func (c *QueryCatalog) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Clone returns a deep copy carrying the same revision.
func (c *QueryCatalog) Clone() *QueryCatalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ret := &QueryCatalog{
		queries:     make(map[model.QueryID]model.QueryState, len(c.queries)),
		sharedPlans: make(map[model.SharedQueryID]model.QueryState, len(c.sharedPlans)),
		revision:    c.revision,
	}
	for k, v := range c.queries {
		ret.queries[k] = v
	}
	for k, v := range c.sharedPlans {
		ret.sharedPlans[k] = v
	}
	return ret
}

var _ StatusSink = (*QueryCatalog)(nil)
