package plan

import (
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// CapacityLedger is the part of the topology the execution plan charges
// for resident operators.
type CapacityLedger interface {
	HasNode(id model.NodeID) bool
	ApplyCapacityChanges(changes map[model.NodeID]model.RescUnit) error
}

// Migration records an operator that changed its hosting node.
type Migration struct {
	Operator model.OperatorID `json:"operator"`
	From     model.NodeID     `json:"from"`
	To       model.NodeID     `json:"to"`
	Stateful bool             `json:"stateful,omitempty"`
}

// Delta is the outcome of one placement run. A nil or empty Placement
// removes the shared query plan, drain plans included, from the execution
// plan.
type Delta struct {
	SharedQueryID model.SharedQueryID
	Placement     *QueryPlacement
	Migrations    []Migration
	// Replace tears down every committed plan of the shared query plan and
	// deploys Placement afresh in the same commit. Migrations are ignored.
	Replace bool
}

// CutoverRef names the drain plan a new decomposed plan waits for before
// it takes over the migrated state.
type CutoverRef struct {
	NodeID model.NodeID           `json:"node-id"`
	PlanID model.DecomposedPlanID `json:"plan-id"`
}

// DeploymentContext tells the deployer what to do on one node.
type DeploymentContext struct {
	NodeID        model.NodeID           `json:"node-id"`
	SharedQueryID model.SharedQueryID    `json:"shared-query-id"`
	PlanID        model.DecomposedPlanID `json:"plan-id"`
	Version       model.PlanVersion      `json:"version"`
	State         model.QueryState       `json:"state"`
	// Plan is nil for removals.
	Plan           *DecomposedPlan `json:"plan,omitempty"`
	AwaitCutoverOf *CutoverRef     `json:"await-cutover-of,omitempty"`
}

// CommitResult summarizes a committed delta.
type CommitResult struct {
	Previous     model.PlanVersion
	Version      model.PlanVersion
	ChangedNodes []model.NodeID
	Contexts     []DeploymentContext
}

// Changed reports whether the commit touched any node.
func (r *CommitResult) Changed() bool {
	return len(r.ChangedNodes) > 0
}

type versionChange struct {
	version model.PlanVersion
	nodes   []model.NodeID
}

// ExecutionPlan holds the committed placement of every shared query plan
// along with the drain plans of stateful operators being migrated.
type ExecutionPlan struct {
	mu         sync.RWMutex
	placements map[model.SharedQueryID]*QueryPlacement
	drains     map[model.SharedQueryID]map[model.NodeID]*DecomposedPlan
	version    model.PlanVersion
	revision   uint64
	history    []versionChange
	planIDs    *autoid.IDAllocator
}

// NewExecutionPlan creates an empty execution plan.
func NewExecutionPlan() *ExecutionPlan {
	return &ExecutionPlan{
		placements: make(map[model.SharedQueryID]*QueryPlacement),
		drains:     make(map[model.SharedQueryID]map[model.NodeID]*DecomposedPlan),
		planIDs:    autoid.NewIDAllocator(0),
	}
}

// Version returns the version of the latest committed change.
func (e *ExecutionPlan) Version() model.PlanVersion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Revision is bumped on every mutation and used for optimistic commits.
func (e *ExecutionPlan) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// Clone returns a deep copy.
func (e *ExecutionPlan) Clone() *ExecutionPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ret := &ExecutionPlan{
		placements: make(map[model.SharedQueryID]*QueryPlacement, len(e.placements)),
		drains:     make(map[model.SharedQueryID]map[model.NodeID]*DecomposedPlan, len(e.drains)),
		version:    e.version,
		revision:   e.revision,
		history:    append([]versionChange(nil), e.history...),
		planIDs:    e.planIDs.Clone(),
	}
	for id, p := range e.placements {
		ret.placements[id] = p.Clone()
	}
	for id, drains := range e.drains {
		m := make(map[model.NodeID]*DecomposedPlan, len(drains))
		for node, dp := range drains {
			m[node] = dp.Clone()
		}
		ret.drains[id] = m
	}
	return ret
}

// Placement returns a copy of the committed placement of a shared query
// plan, or nil if it is not placed.
func (e *ExecutionPlan) Placement(id model.SharedQueryID) *QueryPlacement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.placements[id]; ok {
		return p.Clone()
	}
	return nil
}

// GetPlanForQuery returns copies of the decomposed plans of a shared query
// plan ordered by node.
func (e *ExecutionPlan) GetPlanForQuery(id model.SharedQueryID) []*DecomposedPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.placements[id]
	if !ok {
		return nil
	}
	ret := make([]*DecomposedPlan, 0, len(p.Plans))
	for _, node := range p.Nodes() {
		ret = append(ret, p.Plans[node].Clone())
	}
	return ret
}

// Draining returns copies of the drain plans of a shared query plan
// ordered by node.
func (e *ExecutionPlan) Draining(id model.SharedQueryID) []*DecomposedPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedPlans(e.drains[id])
}

// PlansOnNode returns copies of every decomposed plan hosted on node,
// drain plans included, ordered by shared query plan.
func (e *ExecutionPlan) PlansOnNode(node model.NodeID) []*DecomposedPlan {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ret []*DecomposedPlan
	for _, p := range e.placements {
		if dp, ok := p.Plans[node]; ok {
			ret = append(ret, dp.Clone())
		}
	}
	for _, drains := range e.drains {
		if dp, ok := drains[node]; ok {
			ret = append(ret, dp.Clone())
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].SharedQueryID != ret[j].SharedQueryID {
			return ret[i].SharedQueryID < ret[j].SharedQueryID
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// SharedQueriesOnNode returns the shared query plans that host operators
// on node or route data through it, with the operators resident there.
func (e *ExecutionPlan) SharedQueriesOnNode(node model.NodeID) map[model.SharedQueryID][]model.OperatorID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ret := make(map[model.SharedQueryID][]model.OperatorID)
	for id, p := range e.placements {
		if !p.UsesNode(node) {
			continue
		}
		var ops []model.OperatorID
		if dp, ok := p.Plans[node]; ok {
			ops = dp.OperatorIDs()
		}
		ret[id] = ops
	}
	for id, drains := range e.drains {
		if _, ok := drains[node]; ok {
			if _, ok := ret[id]; !ok {
				ret[id] = nil
			}
		}
	}
	return ret
}

// SharedQueriesOverLink returns the shared query plans whose data flows
// over the link, with the logical edges routed over it.
func (e *ExecutionPlan) SharedQueriesOverLink(upstream, downstream model.NodeID) map[model.SharedQueryID][]queryplan.Edge {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ret := make(map[model.SharedQueryID][]queryplan.Edge)
	for id, p := range e.placements {
		if edges := p.EdgesOverLink(upstream, downstream); len(edges) > 0 {
			ret[id] = edges
		}
	}
	return ret
}

// Diff returns the nodes whose decomposed plans changed after version old
// up to and including version new.
func (e *ExecutionPlan) Diff(old, new model.PlanVersion) []model.NodeID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[model.NodeID]struct{})
	var ret []model.NodeID
	for _, c := range e.history {
		if c.version <= old || c.version > new {
			continue
		}
		for _, node := range c.nodes {
			if _, ok := seen[node]; ok {
				continue
			}
			seen[node] = struct{}{}
			ret = append(ret, node)
		}
	}
	sortNodeIDs(ret)
	return ret
}

// Commit replaces the placement of a shared query plan with delta and
// charges the capacity difference on ledger. Decomposed plans whose
// content is unchanged keep their id, version and state. Nothing is
// modified if the ledger rejects the capacity change.
func (e *ExecutionPlan) Commit(delta *Delta, ledger CapacityLedger) (*CommitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sqid := delta.SharedQueryID
	oldPlacement := e.placements[sqid]
	if oldPlacement == nil {
		oldPlacement = NewQueryPlacement(sqid)
	}
	newPlacement := delta.Placement
	if newPlacement == nil {
		newPlacement = NewQueryPlacement(sqid)
	}
	newPlacement = newPlacement.Clone()
	newPlacement.SharedQueryID = sqid
	for node := range newPlacement.Plans {
		if !ledger.HasNode(node) {
			return nil, derror.ErrUnknownTopologyNode.GenWithStackByArgs(node)
		}
	}

	// A teardown or a replacement drops the drain plans along with the
	// plans they feed state to.
	teardown := delta.Replace || len(newPlacement.Plans) == 0
	migrations := delta.Migrations
	if delta.Replace {
		migrations = nil
	}
	oldDrains := e.drains[sqid]
	newDrains := make(map[model.NodeID]*DecomposedPlan, len(oldDrains))
	if !teardown {
		for node, dp := range oldDrains {
			if ledger.HasNode(node) {
				newDrains[node] = dp.Clone()
			}
		}
	}

	// Capacity is charged against the old usage, so that moving an
	// operator between nodes is a single atomic change.
	changes := make(map[model.NodeID]model.RescUnit)
	charge := func(node model.NodeID, delta model.RescUnit) {
		if delta == 0 || !ledger.HasNode(node) {
			return
		}
		changes[node] += delta
	}
	for node, dp := range oldPlacement.Plans {
		charge(node, dp.Usage())
	}
	for node, dp := range oldDrains {
		charge(node, dp.Usage())
	}
	for node, dp := range newPlacement.Plans {
		charge(node, -dp.Usage())
	}

	version := e.version + 1
	var drainIDs []model.DecomposedPlanID
	for _, m := range migrations {
		if !m.Stateful || m.From == m.To || !ledger.HasNode(m.From) {
			continue
		}
		oldPlan, ok := oldPlacement.Plans[m.From]
		if !ok {
			continue
		}
		op, ok := oldPlan.Operator(m.Operator)
		if !ok {
			continue
		}
		dp, ok := newDrains[m.From]
		if !ok {
			dp = &DecomposedPlan{
				SharedQueryID: sqid,
				NodeID:        m.From,
			}
			newDrains[m.From] = dp
		}
		drained := op.clone()
		if dp.upsert(drained) {
			dp.Label = prependLabel(dp.Label, drained)
		}
	}
	for _, dp := range newDrains {
		charge(dp.NodeID, -dp.Usage())
	}
	for node, change := range changes {
		if change == 0 {
			delete(changes, node)
		}
	}
	if err := ledger.ApplyCapacityChanges(changes); err != nil {
		return nil, errors.Trace(err)
	}

	result := &CommitResult{Previous: e.version, Version: e.version}
	changed := make(map[model.NodeID]struct{})
	var contexts []DeploymentContext

	for node, dp := range newDrains {
		old, existed := oldDrains[node]
		if existed && old.sameContent(dp) {
			newDrains[node] = old
			continue
		}
		if existed {
			dp.ID = old.ID
		} else {
			dp.ID = model.DecomposedPlanID(e.planIDs.AllocID())
			drainIDs = append(drainIDs, dp.ID)
		}
		dp.Version = version
		dp.State = model.QueryMarkedForMigration
		changed[node] = struct{}{}
		contexts = append(contexts, DeploymentContext{
			NodeID:        node,
			SharedQueryID: sqid,
			PlanID:        dp.ID,
			Version:       version,
			State:         dp.State,
			Plan:          dp.Clone(),
		})
	}

	for node, dp := range newPlacement.Plans {
		old, existed := oldPlacement.Plans[node]
		existed = existed && !delta.Replace
		if existed && old.sameContent(dp) {
			newPlacement.Plans[node] = old.Clone()
			continue
		}
		if existed {
			dp.ID = old.ID
			dp.State = model.QueryMarkedForRedeployment
		} else {
			dp.ID = model.DecomposedPlanID(e.planIDs.AllocID())
			dp.State = model.QueryMarkedForDeployment
		}
		dp.SharedQueryID = sqid
		dp.NodeID = node
		dp.Version = version
		changed[node] = struct{}{}
		ctx := DeploymentContext{
			NodeID:        node,
			SharedQueryID: sqid,
			PlanID:        dp.ID,
			Version:       version,
			State:         dp.State,
			Plan:          dp.Clone(),
		}
		ctx.AwaitCutoverOf = cutoverFor(dp, migrations, newDrains)
		contexts = append(contexts, ctx)
	}

	for node, old := range oldPlacement.Plans {
		if _, ok := newPlacement.Plans[node]; ok && !delta.Replace {
			continue
		}
		changed[node] = struct{}{}
		if !ledger.HasNode(node) {
			continue
		}
		contexts = append(contexts, DeploymentContext{
			NodeID:        node,
			SharedQueryID: sqid,
			PlanID:        old.ID,
			Version:       version,
			State:         model.QueryMarkedForRemoval,
		})
	}
	for node, old := range oldDrains {
		if _, ok := newDrains[node]; ok {
			continue
		}
		changed[node] = struct{}{}
		if !ledger.HasNode(node) {
			continue
		}
		contexts = append(contexts, DeploymentContext{
			NodeID:        node,
			SharedQueryID: sqid,
			PlanID:        old.ID,
			Version:       version,
			State:         model.QueryMarkedForRemoval,
		})
	}

	if len(newPlacement.Plans) == 0 {
		delete(e.placements, sqid)
	} else {
		e.placements[sqid] = newPlacement
	}
	if len(newDrains) == 0 {
		delete(e.drains, sqid)
	} else {
		e.drains[sqid] = newDrains
	}
	if len(changed) == 0 {
		return result, nil
	}
	e.revision++
	nodes := make([]model.NodeID, 0, len(changed))
	for node := range changed {
		nodes = append(nodes, node)
	}
	sortNodeIDs(nodes)
	sortContexts(contexts)

	e.version = version
	e.history = append(e.history, versionChange{version: version, nodes: nodes})
	result.Version = version
	result.ChangedNodes = nodes
	result.Contexts = contexts

	log.L().Info("execution plan committed",
		zap.Uint64("shared-query-id", uint64(sqid)),
		zap.Uint64("version", uint64(version)),
		zap.Int("changed-nodes", len(nodes)),
		zap.Int("new-drain-plans", len(drainIDs)))
	return result, nil
}

// MarkDeployed moves the plans of a shared query plan deployed at version
// to their running state. It reports whether drain plans are pending.
func (e *ExecutionPlan) MarkDeployed(id model.SharedQueryID, version model.PlanVersion) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	if p, ok := e.placements[id]; ok {
		for _, dp := range p.Plans {
			if dp.Version != version {
				continue
			}
			if dp.State == model.QueryMarkedForDeployment || dp.State == model.QueryMarkedForRedeployment {
				dp.State = model.QueryRunning
				changed = true
			}
		}
	}
	drains := e.drains[id]
	for _, dp := range drains {
		if dp.State == model.QueryMarkedForMigration {
			dp.State = model.QueryMigrating
			changed = true
		}
	}
	if changed {
		e.revision++
	}
	return len(drains) > 0
}

// CompleteMigration drops the drain plan of a shared query plan on node
// once its state was handed over, releasing the slots it held.
func (e *ExecutionPlan) CompleteMigration(id model.SharedQueryID, node model.NodeID, ledger CapacityLedger) (*DeploymentContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	drains := e.drains[id]
	dp, ok := drains[node]
	if !ok {
		return nil, derror.ErrUnknownDecomposedPlan.GenWithStackByArgs(0, node)
	}
	if ledger.HasNode(node) {
		if err := ledger.ApplyCapacityChanges(map[model.NodeID]model.RescUnit{node: dp.Usage()}); err != nil {
			return nil, errors.Trace(err)
		}
	}
	delete(drains, node)
	if len(drains) == 0 {
		delete(e.drains, id)
	}
	e.version++
	e.revision++
	e.history = append(e.history, versionChange{version: e.version, nodes: []model.NodeID{node}})

	log.L().Info("migration completed",
		zap.Uint64("shared-query-id", uint64(id)),
		zap.Uint64("node-id", uint64(node)),
		zap.Uint64("plan-id", uint64(dp.ID)))
	return &DeploymentContext{
		NodeID:        node,
		SharedQueryID: id,
		PlanID:        dp.ID,
		Version:       e.version,
		State:         model.QueryMarkedForRemoval,
	}, nil
}

// SharedQueryIDs returns the placed shared query plans in ascending order.
func (e *ExecutionPlan) SharedQueryIDs() []model.SharedQueryID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[model.SharedQueryID]struct{}, len(e.placements))
	for id := range e.placements {
		seen[id] = struct{}{}
	}
	for id := range e.drains {
		seen[id] = struct{}{}
	}
	ret := make([]model.SharedQueryID, 0, len(seen))
	for id := range seen {
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func cutoverFor(dp *DecomposedPlan, migrations []Migration, drains map[model.NodeID]*DecomposedPlan) *CutoverRef {
	for _, m := range migrations {
		if !m.Stateful || m.To != dp.NodeID || m.From == m.To {
			continue
		}
		if _, ok := dp.Operator(m.Operator); !ok {
			continue
		}
		if drain, ok := drains[m.From]; ok {
			return &CutoverRef{NodeID: m.From, PlanID: drain.ID}
		}
	}
	return nil
}

func sortedPlans(plans map[model.NodeID]*DecomposedPlan) []*DecomposedPlan {
	ret := make([]*DecomposedPlan, 0, len(plans))
	for _, dp := range plans {
		ret = append(ret, dp.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].NodeID < ret[j].NodeID })
	return ret
}

func sortContexts(contexts []DeploymentContext) {
	sort.Slice(contexts, func(i, j int) bool {
		if contexts[i].NodeID != contexts[j].NodeID {
			return contexts[i].NodeID < contexts[j].NodeID
		}
		return contexts[i].PlanID < contexts[j].PlanID
	})
}

func sortNodeIDs(ids []model.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
