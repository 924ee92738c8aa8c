package queryplan

import (
	"sort"
	"sync"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// Registry tracks every shared query plan and which plan hosts each query.
type Registry struct {
	mu      sync.RWMutex
	plans   map[model.SharedQueryID]*SharedQueryPlan
	byQuery map[model.QueryID]model.SharedQueryID
	lastID  model.SharedQueryID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		plans:   make(map[model.SharedQueryID]*SharedQueryPlan),
		byQuery: make(map[model.QueryID]model.SharedQueryID),
	}
}

// Add merges q into the plan sharing the most operators with it, or
// creates a new plan when merging is disabled or nothing matches.
func (r *Registry) Add(q *Query, merging bool) (*SharedQueryPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byQuery[q.ID]; ok {
		return nil, errors.ErrQueryExists.GenWithStackByArgs(q.ID)
	}
	// operator ids are globally unique, merged operators are matched by
	// signature rather than by id
	for _, id := range q.Graph.IDs() {
		for _, p := range r.plans {
			if p.HasOperator(id) {
				return nil, errors.ErrInvalidOperatorGraph.GenWithStackByArgs("operator id already in use")
			}
		}
	}

	if merging {
		var (
			target *SharedQueryPlan
			best   int
		)
		for _, id := range r.sortedIDsNoLock() {
			p := r.plans[id]
			n, err := p.CanMerge(q)
			if err != nil {
				return nil, err
			}
			if n > best {
				target, best = p, n
			}
		}
		if target != nil {
			if err := target.AddQuery(q); err != nil {
				return nil, err
			}
			r.byQuery[q.ID] = target.ID()
			return target, nil
		}
	}

	r.lastID++
	p, err := NewSharedQueryPlan(r.lastID, q)
	if err != nil {
		r.lastID--
		return nil, err
	}
	r.plans[p.ID()] = p
	r.byQuery[q.ID] = p.ID()
	return p, nil
}

// Get returns the plan with the given id.
func (r *Registry) Get(id model.SharedQueryID) (*SharedQueryPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plans[id]
	if !ok {
		return nil, errors.ErrUnknownSharedQuery.GenWithStackByArgs(id)
	}
	return p, nil
}

// ForQuery returns the plan hosting the query.
func (r *Registry) ForQuery(id model.QueryID) (*SharedQueryPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sqid, ok := r.byQuery[id]
	if !ok {
		return nil, errors.ErrUnknownQuery.GenWithStackByArgs(id)
	}
	return r.plans[sqid], nil
}

// ForgetQuery drops the query to plan mapping.
func (r *Registry) ForgetQuery(id model.QueryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byQuery, id)
}

// Remove drops a plan once it has been stopped.
func (r *Registry) Remove(id model.SharedQueryID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.plans, id)
	for qid, sqid := range r.byQuery {
		if sqid == id {
			delete(r.byQuery, qid)
		}
	}
}

// List returns all plans ordered by id.
func (r *Registry) List() []*SharedQueryPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]*SharedQueryPlan, 0, len(r.plans))
	for _, id := range r.sortedIDsNoLock() {
		ret = append(ret, r.plans[id])
	}
	return ret
}

func (r *Registry) sortedIDsNoLock() []model.SharedQueryID {
	ids := make([]model.SharedQueryID, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
