package queryplan

import (
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/errors"
)

// SharedQueryPlan hosts one or more queries merged at equivalent
// sub-trees. It is safe for concurrent use.
type SharedQueryPlan struct {
	mu        sync.RWMutex
	id        model.SharedQueryID
	graph     *Graph
	queries   map[model.QueryID]model.OperatorID
	status    model.SharedQueryPlanStatus
	changeLog ChangeLog
}

// Snapshot is an immutable copy of a shared query plan taken at the start
// of an amendment.
type Snapshot struct {
	ID      model.SharedQueryID
	Graph   *Graph
	Status  model.SharedQueryPlanStatus
	Queries []model.QueryID
	Changes Changes
}

// NewSharedQueryPlan creates a plan hosting q.
func NewSharedQueryPlan(id model.SharedQueryID, q *Query) (*SharedQueryPlan, error) {
	sink, err := q.Sink()
	if err != nil {
		return nil, err
	}
	p := &SharedQueryPlan{
		id:      id,
		graph:   q.Graph.Clone(),
		queries: map[model.QueryID]model.OperatorID{q.ID: sink},
		status:  model.SharedQueryCreated,
	}
	p.changeLog.append(ChangeEntry{Added: p.graph.Edges()})
	return p, nil
}

func (p *SharedQueryPlan) ID() model.SharedQueryID {
	return p.id
}

func (p *SharedQueryPlan) Status() model.SharedQueryPlanStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *SharedQueryPlan) SetStatus(status model.SharedQueryPlanStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != status {
		log.L().Debug("shared query plan status changed",
			zap.Uint64("shared-query-id", uint64(p.id)),
			zap.Stringer("from", p.status), zap.Stringer("to", status))
	}
	p.status = status
}

// QueryIDs returns the hosted queries in ascending order.
func (p *SharedQueryPlan) QueryIDs() []model.QueryID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queryIDsNoLock()
}

func (p *SharedQueryPlan) queryIDsNoLock() []model.QueryID {
	ret := make([]model.QueryID, 0, len(p.queries))
	for id := range p.queries {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// HasOperator returns whether any hosted query uses the operator.
func (p *SharedQueryPlan) HasOperator(id model.OperatorID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph.Has(id)
}

// Snapshot copies the graph and the pending change log.
func (p *SharedQueryPlan) Snapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Snapshot{
		ID:      p.id,
		Graph:   p.graph.Clone(),
		Status:  p.status,
		Queries: p.queryIDsNoLock(),
		Changes: p.changeLog.snapshot(),
	}
}

// PendingChanges returns the number of change entries not yet consumed.
func (p *SharedQueryPlan) PendingChanges() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changeLog.len()
}

// ClearChangesUpTo drops the change entries consumed by a successful
// amendment.
func (p *SharedQueryPlan) ClearChangesUpTo(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changeLog.clearUpTo(seq)
}

// Settle moves the plan to status once an amendment finished. A plan
// stopped or failed meanwhile keeps its status, and edits recorded during
// the amendment leave it Updated so that the next amendment picks them up.
func (p *SharedQueryPlan) Settle(status model.SharedQueryPlanStatus) model.SharedQueryPlanStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.status == model.SharedQueryStopped || p.status == model.SharedQueryFailed:
	case p.changeLog.len() > 0:
		p.status = model.SharedQueryUpdated
	default:
		p.status = status
	}
	return p.status
}

// CanMerge returns how many operators of q are equivalent to operators
// already hosted by the plan.
func (p *SharedQueryPlan) CanMerge(q *Query) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.status == model.SharedQueryStopped || p.status == model.SharedQueryFailed {
		return 0, nil
	}
	matched, err := matchQuery(p.graph, q.Graph)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// AddQuery merges q into the plan. Operators equivalent to hosted ones are
// reused, the rest are added with their own ids.
func (p *SharedQueryPlan) AddQuery(q *Query) error {
	sink, err := q.Sink()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queries[q.ID]; ok {
		return errors.ErrQueryExists.GenWithStackByArgs(q.ID)
	}
	matched, err := matchQuery(p.graph, q.Graph)
	if err != nil {
		return err
	}
	resolve := func(id model.OperatorID) model.OperatorID {
		if target, ok := matched[id]; ok {
			return target
		}
		return id
	}

	for _, id := range q.Graph.IDs() {
		if _, ok := matched[id]; ok {
			continue
		}
		if p.graph.Has(id) {
			return errors.ErrInvalidOperatorGraph.GenWithStackByArgs("operator id already in use")
		}
	}

	merged := p.graph.Clone()
	var added []Edge
	for _, id := range q.Graph.IDs() {
		if _, ok := matched[id]; ok {
			continue
		}
		op, _ := q.Graph.Operator(id)
		if err := merged.AddOperator(op); err != nil {
			return err
		}
	}
	for _, e := range q.Graph.Edges() {
		if _, ok := matched[e.Parent]; ok {
			// both ends are already hosted
			continue
		}
		edge := Edge{Child: resolve(e.Child), Parent: e.Parent}
		if err := merged.Connect(edge.Child, edge.Parent); err != nil {
			return err
		}
		added = append(added, edge)
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	p.graph = merged
	p.queries[q.ID] = sink
	p.changeLog.append(ChangeEntry{Added: added})
	if p.status != model.SharedQueryCreated {
		p.status = model.SharedQueryUpdated
	}
	log.L().Info("query merged into shared query plan",
		zap.Uint64("shared-query-id", uint64(p.id)),
		zap.Uint64("query-id", uint64(q.ID)),
		zap.Int("reused-operators", len(matched)))
	return nil
}

// RemoveQuery drops the sink of the query and every operator that no
// longer feeds any remaining sink. It returns true if the plan became
// empty and should be stopped.
func (p *SharedQueryPlan) RemoveQuery(id model.QueryID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sink, ok := p.queries[id]
	if !ok {
		return false, errors.ErrUnknownQuery.GenWithStackByArgs(id)
	}
	delete(p.queries, id)

	var removed []Edge
	removed = append(removed, p.graph.RemoveOperator(sink)...)

	remainingSinks := make([]model.OperatorID, 0, len(p.queries))
	for _, s := range p.queries {
		remainingSinks = append(remainingSinks, s)
	}
	SortOperatorIDs(remainingSinks)
	alive, err := p.graph.Upstream(remainingSinks)
	if err != nil {
		return false, err
	}
	for _, opID := range p.graph.IDs() {
		if _, ok := alive[opID]; ok {
			continue
		}
		removed = append(removed, p.graph.RemoveOperator(opID)...)
	}
	p.changeLog.append(ChangeEntry{Removed: removed})

	empty := len(p.queries) == 0
	if empty {
		p.status = model.SharedQueryStopped
	} else {
		p.status = model.SharedQueryUpdated
	}
	log.L().Info("query removed from shared query plan",
		zap.Uint64("shared-query-id", uint64(p.id)),
		zap.Uint64("query-id", uint64(id)),
		zap.Int("removed-edges", len(removed)),
		zap.Bool("empty", empty))
	return empty, nil
}

// Invalidate records that the operators lost their location and must be
// placed again.
func (p *SharedQueryPlan) Invalidate(ops []model.OperatorID) {
	if len(ops) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.changeLog.append(ChangeEntry{Invalidated: append([]model.OperatorID(nil), ops...)})
	p.markUpdatedNoLock()
}

// MarkUpdated requests a new amendment of a placed plan without recording
// any change, e.g. when only a route it uses went away.
func (p *SharedQueryPlan) MarkUpdated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markUpdatedNoLock()
}

func (p *SharedQueryPlan) markUpdatedNoLock() {
	if p.status == model.SharedQueryDeployed || p.status == model.SharedQueryMigrating ||
		p.status == model.SharedQueryPartiallyProcessed || p.status == model.SharedQueryProcessed {
		p.status = model.SharedQueryUpdated
	}
}

// MarkFailed marks the plan for teardown after an unrecoverable error
// reported by the deployment side.
func (p *SharedQueryPlan) MarkFailed() {
	p.SetStatus(model.SharedQueryFailed)
}
