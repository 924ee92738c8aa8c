package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	"github.com/hanfei1991/streamplace/servermaster"
	"github.com/hanfei1991/streamplace/servermaster/plan"
)

// syncWriter serializes writes from the amendment workers and the runner.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// printDeployer writes every deployment context instead of pushing it to
// a worker process.
type printDeployer struct {
	out io.Writer
}

func (d *printDeployer) Undeploy(_ context.Context, req model.RequestType, contexts []plan.DeploymentContext) error {
	d.print("undeploy", req, contexts)
	return nil
}

func (d *printDeployer) Deploy(_ context.Context, req model.RequestType, contexts []plan.DeploymentContext) error {
	d.print("deploy", req, contexts)
	return nil
}

func (d *printDeployer) print(action string, req model.RequestType, contexts []plan.DeploymentContext) {
	for _, dc := range contexts {
		line := fmt.Sprintf("%s %s: shared-query=%d node=%d plan=%d version=%d state=%s",
			action, req, dc.SharedQueryID, dc.NodeID, dc.PlanID, dc.Version, dc.State)
		if dc.AwaitCutoverOf != nil {
			line += fmt.Sprintf(" await-cutover=%d@%d", dc.AwaitCutoverOf.PlanID, dc.AwaitCutoverOf.NodeID)
		}
		fmt.Fprintln(d.out, line)
	}
}

// runner applies a scenario to a coordinator.
type runner struct {
	coord *servermaster.Coordinator
	alloc *autoid.IDAllocator
	out   io.Writer
}

func (r *runner) setup(ctx context.Context, sc *Scenario) error {
	for i := range sc.Nodes {
		info, err := sc.Nodes[i].info()
		if err != nil {
			return err
		}
		if err := r.coord.AddNode(ctx, info); err != nil {
			return err
		}
	}
	for i := range sc.Links {
		if err := r.coord.AddLink(ctx, sc.Links[i].info()); err != nil {
			return err
		}
	}
	for _, src := range sc.Sources {
		if _, err := r.coord.RegisterPhysicalSource(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) step(ctx context.Context, i int, s *Step) error {
	logger := log.L().With(zap.Int("step", i))
	switch {
	case s.AddQuery != nil:
		q, err := s.AddQuery.Build(r.alloc)
		if err != nil {
			return err
		}
		id, err := r.coord.AddQuery(ctx, q)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "query %d added to shared query plan %d\n", q.ID, id)
	case s.RemoveQuery != nil:
		id, err := r.coord.RemoveQuery(ctx, *s.RemoveQuery)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "query %d removed from shared query plan %d\n", *s.RemoveQuery, id)
	case s.AddNode != nil:
		info, err := s.AddNode.info()
		if err != nil {
			return err
		}
		return r.coord.AddNode(ctx, info)
	case s.RemoveNode != nil:
		affected, err := r.coord.RemoveNode(ctx, *s.RemoveNode)
		if err != nil {
			return err
		}
		logger.Info("node removed", zap.Uint64("node-id", uint64(*s.RemoveNode)), zap.Int("affected", len(affected)))
	case s.AddLink != nil:
		return r.coord.AddLink(ctx, s.AddLink.info())
	case s.RemoveLink != nil:
		_, err := r.coord.RemoveLink(ctx, s.RemoveLink.Upstream, s.RemoveLink.Downstream)
		return err
	case s.SetLinkProperty != nil:
		l := s.SetLinkProperty
		return r.coord.AddLinkProperty(ctx, l.Upstream, l.Downstream, l.Bandwidth, l.Latency)
	case s.AddSource != nil:
		_, err := r.coord.RegisterPhysicalSource(ctx, *s.AddSource)
		return err
	case s.Fail != nil:
		return r.coord.ReportFailure(*s.Fail)
	case s.CompleteMigration != nil:
		m := s.CompleteMigration
		if _, err := r.coord.CompleteMigration(ctx, m.SharedQueryID, m.NodeID); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "migration of shared query plan %d completed on node %d\n", m.SharedQueryID, m.NodeID)
	case s.Amend:
		return r.amend(ctx)
	default:
		logger.Warn("empty scenario step")
	}
	return nil
}

// amend runs every pending amendment and waits for them. Failed
// amendments are reported, not returned.
func (r *runner) amend(ctx context.Context) error {
	futures, err := r.coord.SubmitPending()
	if err != nil {
		return err
	}
	ids := make([]model.SharedQueryID, 0, len(futures))
	for id := range futures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		ok, err := futures[id].Wait(ctx)
		if err != nil {
			return err
		}
		res, _ := futures[id].Result()
		if ok {
			fmt.Fprintf(r.out, "amendment of shared query plan %d succeeded at version %d\n", id, res.Version)
			continue
		}
		fmt.Fprintf(r.out, "amendment of shared query plan %d failed: %v\n", id, res.Err)
	}
	return nil
}

// report prints the committed decomposed plans of every shared query plan
// and the remaining capacity of every node.
func (r *runner) report(ctx context.Context) error {
	for _, p := range r.coord.SharedQueryPlans() {
		plans, err := r.coord.DecomposedPlans(ctx, p.ID())
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "shared query plan %d (%s)\n", p.ID(), p.Status())
		for _, dp := range plans {
			fmt.Fprintf(r.out, "  node %d plan %d v%d %s: %s\n", dp.NodeID, dp.ID, dp.Version, dp.State, dp.Label)
		}
	}
	nodes, err := r.coord.Nodes(ctx)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%d=%d/%d", n.ID, n.Remaining, n.Capacity))
	}
	fmt.Fprintf(r.out, "remaining capacity: %s\n", strings.Join(parts, " "))
	return nil
}

func (r *runner) run(ctx context.Context, sc *Scenario) error {
	if err := r.setup(ctx, sc); err != nil {
		return err
	}
	for i := range sc.Steps {
		if err := r.step(ctx, i, &sc.Steps[i]); err != nil {
			return err
		}
	}
	return r.report(ctx)
}
