package servermaster

import (
	"context"
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/clock"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/metaclient"
	"github.com/hanfei1991/streamplace/pkg/notifier"
	"github.com/hanfei1991/streamplace/pkg/promutil"
	"github.com/hanfei1991/streamplace/servermaster/amendment"
	"github.com/hanfei1991/streamplace/servermaster/catalog"
	"github.com/hanfei1991/streamplace/servermaster/plan"
	"github.com/hanfei1991/streamplace/servermaster/planstore"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
	"github.com/hanfei1991/streamplace/servermaster/storage"
	"github.com/hanfei1991/streamplace/servermaster/topology"
)

type options struct {
	factory  promutil.Factory
	listener amendment.StatusListener
	kv       metaclient.KV
	clock    clock.Clock
}

// Option customizes a Coordinator.
type Option func(o *options)

// WithMetricFactory registers every coordinator metric through factory.
func WithMetricFactory(factory promutil.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithStatusListener reports query run-states to l.
func WithStatusListener(l amendment.StatusListener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithMetaKV persists committed plans to kv instead of the configured
// meta store.
func WithMetaKV(kv metaclient.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// WithClock replaces the system clock of the amendment handler.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// Coordinator owns the cluster state and the amendment handler. Topology
// and query edits are recorded on the shared query plans they affect and
// take effect once those plans are amended.
type Coordinator struct {
	cfg      *Config
	registry *queryplan.Registry
	storage  storage.Handler
	handler  *amendment.Handler
	kv       metaclient.KV
	plans    *planstore.Store
	listener amendment.StatusListener
}

// NewCoordinator creates a coordinator deploying through deployer. cfg
// must be adjusted.
func NewCoordinator(cfg *Config, deployer amendment.Deployer, opts ...Option) (*Coordinator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.factory == nil {
		o.factory = promutil.NewNopFactory()
	}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = metaclient.NewKV(cfg.MetaStore)
		if err != nil {
			return nil, err
		}
	}
	st, err := storage.NewHandler(storage.NewClusterState(), cfg.Storage, o.factory)
	if err != nil {
		return nil, multierr.Append(err, kv.Close())
	}

	c := &Coordinator{
		cfg:      cfg,
		registry: queryplan.NewRegistry(),
		storage:  st,
		kv:       kv,
		plans:    planstore.New(kv, cfg.MetaStore.KeyPrefix),
		listener: o.listener,
	}
	amenderOpts := []amendment.AmenderOption{
		amendment.WithRecorder(c.plans),
		amendment.WithRegistry(c.registry),
	}
	if o.listener != nil {
		amenderOpts = append(amenderOpts, amendment.WithStatusListener(o.listener))
	}
	amender, err := amendment.NewAmender(cfg.amenderConfig(), st, deployer, amenderOpts...)
	if err != nil {
		return nil, multierr.Append(err, kv.Close())
	}
	handlerOpts := []amendment.HandlerOption{amendment.WithMetricFactory(o.factory)}
	if o.clock != nil {
		handlerOpts = append(handlerOpts, amendment.WithClock(o.clock))
	}
	c.handler = amendment.NewHandler(cfg.Amendment.WorkerCount, amender, handlerOpts...)
	return c, nil
}

// Start starts the amendment workers.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.handler.Start(ctx); err != nil {
		return err
	}
	log.L().Info("coordinator started",
		zap.String("access-mode", string(c.storage.Mode())),
		zap.String("strategy", string(c.cfg.Placement.Strategy)))
	return nil
}

// Shutdown stops the amendment workers and closes the meta store.
func (c *Coordinator) Shutdown() error {
	c.handler.Shutdown()
	err := errors.Trace(c.kv.Close())
	log.L().Info("coordinator stopped", zap.Error(err))
	return err
}

// Results subscribes to the outcome of every amendment.
func (c *Coordinator) Results() *notifier.Receiver[amendment.Result] {
	return c.handler.Results()
}

// Submit queues an amendment of the shared query plan.
func (c *Coordinator) Submit(id model.SharedQueryID) (*amendment.Future, error) {
	p, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return c.handler.Submit(p)
}

// SubmitPending queues an amendment of every shared query plan whose
// status requires one.
func (c *Coordinator) SubmitPending() (map[model.SharedQueryID]*amendment.Future, error) {
	ret := make(map[model.SharedQueryID]*amendment.Future)
	for _, p := range c.registry.List() {
		if _, ok := amendment.RequestTypeFor(p.Status(), c.cfg.Amendment.IncrementalPlacement); !ok {
			continue
		}
		f, err := c.handler.Submit(p)
		if err != nil {
			return ret, err
		}
		ret[p.ID()] = f
	}
	return ret, nil
}

// SharedQueryPlan returns the shared query plan with the given id.
func (c *Coordinator) SharedQueryPlan(id model.SharedQueryID) (*queryplan.SharedQueryPlan, error) {
	return c.registry.Get(id)
}

// SharedQueryPlans returns every registered shared query plan.
func (c *Coordinator) SharedQueryPlans() []*queryplan.SharedQueryPlan {
	return c.registry.List()
}

// AddQuery registers q and returns the shared query plan hosting it.
func (c *Coordinator) AddQuery(ctx context.Context, q *queryplan.Query) (model.SharedQueryID, error) {
	p, err := c.registry.Add(q, c.cfg.Query.Merging)
	if err != nil {
		return 0, err
	}
	err = c.withQueryCatalog(ctx, func(qc *catalog.QueryCatalog) {
		qc.SetQueryState(q.ID, model.QueryRegistered)
	})
	if err != nil {
		return 0, err
	}
	log.L().Info("query added",
		zap.Uint64("query-id", uint64(q.ID)),
		zap.Uint64("shared-query-id", uint64(p.ID())),
		zap.Stringer("status", p.Status()))
	return p.ID(), nil
}

// RemoveQuery drops a query from its shared query plan. The plan stops
// once its last query is removed.
func (c *Coordinator) RemoveQuery(ctx context.Context, id model.QueryID) (model.SharedQueryID, error) {
	p, err := c.registry.ForQuery(id)
	if err != nil {
		return 0, err
	}
	if _, err := p.RemoveQuery(id); err != nil {
		return 0, err
	}
	c.registry.ForgetQuery(id)
	err = c.withQueryCatalog(ctx, func(qc *catalog.QueryCatalog) {
		qc.SetQueryState(id, model.QueryMarkedForRemoval)
	})
	if err != nil {
		return 0, err
	}
	return p.ID(), nil
}

// ReportFailure marks the shared query plan failed on behalf of the
// deployment side. The next amendment tears it down.
func (c *Coordinator) ReportFailure(id model.SharedQueryID) error {
	p, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	p.MarkFailed()
	log.L().Warn("shared query plan reported failed", zap.Uint64("shared-query-id", uint64(id)))
	return nil
}

// QueryState returns the run-state recorded for a query.
func (c *Coordinator) QueryState(ctx context.Context, id model.QueryID) (state model.QueryState, ok bool, err error) {
	err = c.withQueryCatalog(ctx, func(qc *catalog.QueryCatalog) {
		state, ok = qc.QueryState(id)
	})
	return
}

// AddNode registers a node joining the cluster.
func (c *Coordinator) AddNode(ctx context.Context, info model.NodeInfo) error {
	return c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceTopology},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			return topo.AddNode(info)
		})
}

// RemoveNode removes a node leaving the cluster along with its links and
// physical sources. It returns the shared query plans that lost operators
// or routes and must be amended.
func (c *Coordinator) RemoveNode(ctx context.Context, id model.NodeID) ([]model.SharedQueryID, error) {
	var affected map[model.SharedQueryID][]model.OperatorID
	err := c.storage.WithStorage(ctx,
		[]storage.ResourceType{storage.ResourceTopology, storage.ResourceExecutionPlan, storage.ResourceSourceCatalog},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			ep, err := r.ExecutionPlan()
			if err != nil {
				return err
			}
			sc, err := r.SourceCatalog()
			if err != nil {
				return err
			}
			if _, err := topo.RemoveNode(id); err != nil {
				return err
			}
			if n := sc.RemoveNode(id); n > 0 {
				log.L().Info("physical sources dropped with node",
					zap.Uint64("node-id", uint64(id)), zap.Int("count", n))
			}
			affected = ep.SharedQueriesOnNode(id)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return c.invalidate(affected), nil
}

// AddLink connects two registered nodes.
func (c *Coordinator) AddLink(ctx context.Context, info model.LinkInfo) error {
	return c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceTopology},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			return topo.AddLink(info)
		})
}

// RemoveLink removes a link and returns the shared query plans routing
// data over it.
func (c *Coordinator) RemoveLink(ctx context.Context, upstream, downstream model.NodeID) ([]model.SharedQueryID, error) {
	affected := make(map[model.SharedQueryID][]model.OperatorID)
	err := c.storage.WithStorage(ctx,
		[]storage.ResourceType{storage.ResourceTopology, storage.ResourceExecutionPlan},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			ep, err := r.ExecutionPlan()
			if err != nil {
				return err
			}
			if err := topo.RemoveLink(upstream, downstream); err != nil {
				return err
			}
			for id, edges := range ep.SharedQueriesOverLink(upstream, downstream) {
				ops := make([]model.OperatorID, 0, 2*len(edges))
				for _, e := range edges {
					ops = append(ops, e.Child, e.Parent)
				}
				affected[id] = ops
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return c.invalidate(affected), nil
}

// AddLinkProperty updates the bandwidth and latency of a link.
func (c *Coordinator) AddLinkProperty(ctx context.Context, upstream, downstream model.NodeID, bandwidth, latency uint64) error {
	return c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceTopology},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			return topo.AddLinkProperty(upstream, downstream, bandwidth, latency)
		})
}

// RegisterPhysicalSource attaches a physical source to a registered node.
// Shared query plans reading its logical source are re-expanded by their
// next amendment, their ids are returned.
func (c *Coordinator) RegisterPhysicalSource(ctx context.Context, src catalog.PhysicalSource) ([]model.SharedQueryID, error) {
	err := c.storage.WithStorage(ctx,
		[]storage.ResourceType{storage.ResourceTopology, storage.ResourceSourceCatalog},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			sc, err := r.SourceCatalog()
			if err != nil {
				return err
			}
			if !topo.HasNode(src.NodeID) {
				return derror.ErrUnknownTopologyNode.GenWithStackByArgs(src.NodeID)
			}
			sc.RegisterPhysicalSource(src)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return c.invalidateReaders(src.LogicalSource), nil
}

// UnregisterPhysicalSource detaches a physical source.
func (c *Coordinator) UnregisterPhysicalSource(ctx context.Context, logicalSource, name string) ([]model.SharedQueryID, error) {
	err := c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceSourceCatalog},
		func(r *storage.Resources) error {
			sc, err := r.SourceCatalog()
			if err != nil {
				return err
			}
			return sc.UnregisterPhysicalSource(logicalSource, name)
		})
	if err != nil {
		return nil, err
	}
	return c.invalidateReaders(logicalSource), nil
}

// CompleteMigration acknowledges that the drain plan of a shared query
// plan on node handed its state over. The plan runs normally again once
// no drain plan is left.
func (c *Coordinator) CompleteMigration(ctx context.Context, id model.SharedQueryID, node model.NodeID) (*plan.DeploymentContext, error) {
	p, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	queries := p.QueryIDs()

	var (
		dc   *plan.DeploymentContext
		done bool
	)
	err = c.storage.WithStorage(ctx,
		[]storage.ResourceType{storage.ResourceTopology, storage.ResourceExecutionPlan, storage.ResourceQueryCatalog},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			ep, err := r.ExecutionPlan()
			if err != nil {
				return err
			}
			qc, err := r.QueryCatalog()
			if err != nil {
				return err
			}
			dc, err = ep.CompleteMigration(id, node, topo)
			if err != nil {
				return err
			}
			done = len(ep.Draining(id)) == 0
			if done {
				qc.SetSharedQueryState(id, model.QueryRunning)
				for _, q := range queries {
					qc.SetQueryState(q, model.QueryRunning)
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	if err := c.plans.Apply(ctx, []plan.DeploymentContext{*dc}); err != nil {
		log.L().Warn("failed to record completed migration", zap.Error(err))
	}
	if done {
		if p.Status() == model.SharedQueryMigrating {
			p.Settle(model.SharedQueryDeployed)
		}
		if c.listener != nil {
			for _, q := range queries {
				c.listener.QueryStateChanged(q, model.QueryRunning)
			}
		}
	}
	return dc, nil
}

// DecomposedPlans returns the committed decomposed plans of a shared
// query plan ordered by node.
func (c *Coordinator) DecomposedPlans(ctx context.Context, id model.SharedQueryID) ([]*plan.DecomposedPlan, error) {
	var ret []*plan.DecomposedPlan
	err := c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceExecutionPlan},
		func(r *storage.Resources) error {
			ep, err := r.ExecutionPlan()
			if err != nil {
				return err
			}
			ret = ep.GetPlanForQuery(id)
			return nil
		})
	return ret, err
}

// StoredPlans returns the plans persisted for a shared query plan.
func (c *Coordinator) StoredPlans(ctx context.Context, id model.SharedQueryID) ([]*planstore.Record, error) {
	return c.plans.Load(ctx, id)
}

// Nodes returns a copy of every topology node ordered by id.
func (c *Coordinator) Nodes(ctx context.Context) ([]*topology.Node, error) {
	var ret []*topology.Node
	err := c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceTopology},
		func(r *storage.Resources) error {
			topo, err := r.Topology()
			if err != nil {
				return err
			}
			for _, id := range topo.NodeIDs() {
				if n, ok := topo.Node(id); ok {
					ret = append(ret, n)
				}
			}
			return nil
		})
	return ret, err
}

func (c *Coordinator) withQueryCatalog(ctx context.Context, fn func(qc *catalog.QueryCatalog)) error {
	return c.storage.WithStorage(ctx, []storage.ResourceType{storage.ResourceQueryCatalog},
		func(r *storage.Resources) error {
			qc, err := r.QueryCatalog()
			if err != nil {
				return err
			}
			fn(qc)
			return nil
		})
}

// invalidate records the lost operators on their shared query plans and
// returns the plans touched in ascending order.
func (c *Coordinator) invalidate(affected map[model.SharedQueryID][]model.OperatorID) []model.SharedQueryID {
	ret := make([]model.SharedQueryID, 0, len(affected))
	for id, ops := range affected {
		p, err := c.registry.Get(id)
		if err != nil {
			// plans torn down meanwhile
			continue
		}
		if len(ops) == 0 {
			// nothing resident, only routes or drain plans
			p.MarkUpdated()
		} else {
			p.Invalidate(ops)
		}
		ret = append(ret, id)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	if len(ret) > 0 {
		log.L().Info("shared query plans invalidated by topology change", zap.Int("count", len(ret)))
	}
	return ret
}

func (c *Coordinator) invalidateReaders(logicalSource string) []model.SharedQueryID {
	affected := make(map[model.SharedQueryID][]model.OperatorID)
	for _, p := range c.registry.List() {
		snap := p.Snapshot()
		for _, id := range snap.Graph.Sources() {
			op, _ := snap.Graph.Operator(id)
			if op.Kind == queryplan.OperatorSource && op.LogicalSource == logicalSource && !op.IsPinned() {
				affected[p.ID()] = append(affected[p.ID()], id)
			}
		}
	}
	return c.invalidate(affected)
}
