package amendment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	"github.com/hanfei1991/streamplace/pkg/clock"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/promutil"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPlan(t *testing.T, id model.SharedQueryID) *queryplan.SharedQueryPlan {
	b := queryplan.NewBuilder(autoid.NewIDAllocator(uint64(id)))
	b.Source("cars").Filter("speed > 50").Sink("print", 1)
	q, err := b.Build(model.QueryID(id))
	require.NoError(t, err)
	p, err := queryplan.NewSharedQueryPlan(id, q)
	require.NoError(t, err)
	return p
}

// countingExecutor records the instances it ran and how many ran at the
// same time for each shared query plan.
type countingExecutor struct {
	mu         sync.Mutex
	running    map[model.SharedQueryID]int
	maxRunning map[model.SharedQueryID]int
	order      map[model.SharedQueryID][]string
	delay      time.Duration
}

func newCountingExecutor(delay time.Duration) *countingExecutor {
	return &countingExecutor{
		running:    make(map[model.SharedQueryID]int),
		maxRunning: make(map[model.SharedQueryID]int),
		order:      make(map[model.SharedQueryID][]string),
		delay:      delay,
	}
}

func (e *countingExecutor) Execute(ctx context.Context, inst *Instance) (model.PlanVersion, error) {
	id := inst.SharedQueryID()
	e.mu.Lock()
	e.running[id]++
	if e.running[id] > e.maxRunning[id] {
		e.maxRunning[id] = e.running[id]
	}
	e.order[id] = append(e.order[id], inst.ID())
	e.mu.Unlock()

	time.Sleep(e.delay)

	e.mu.Lock()
	e.running[id]--
	e.mu.Unlock()
	return model.PlanVersion(1), nil
}

type funcExecutor func(ctx context.Context, inst *Instance) (model.PlanVersion, error)

func (f funcExecutor) Execute(ctx context.Context, inst *Instance) (model.PlanVersion, error) {
	return f(ctx, inst)
}

func waitAll(t *testing.T, futures []*Future) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, f := range futures {
		ok, err := f.Wait(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestHandlerNoDoubleRun(t *testing.T) {
	t.Parallel()

	exec := newCountingExecutor(5 * time.Millisecond)
	h := NewHandler(4, exec)
	require.NoError(t, h.Start(context.Background()))
	defer h.Shutdown()

	plans := []*queryplan.SharedQueryPlan{newTestPlan(t, 1), newTestPlan(t, 2), newTestPlan(t, 3)}
	var (
		futures   []*Future
		submitted = make(map[model.SharedQueryID][]string)
	)
	for i := 0; i < 5; i++ {
		for _, p := range plans {
			f, err := h.Submit(p)
			require.NoError(t, err)
			futures = append(futures, f)
			submitted[p.ID()] = append(submitted[p.ID()], f.inst.ID())
		}
	}
	waitAll(t, futures)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	for _, p := range plans {
		require.Equal(t, 1, exec.maxRunning[p.ID()], "shared query plan %d", p.ID())
		// amendments of one plan run in submission order
		require.Equal(t, submitted[p.ID()], exec.order[p.ID()])
	}
	require.Equal(t, 0, h.Pending())
}

func TestHandlerLifecycle(t *testing.T) {
	t.Parallel()

	h := NewHandler(1, newCountingExecutor(0))
	_, err := h.Submit(newTestPlan(t, 1))
	require.True(t, derror.ErrAmendmentHandlerNotStarted.Equal(err))

	require.NoError(t, h.Start(context.Background()))
	h.Shutdown()
	h.Shutdown()

	_, err = h.Submit(newTestPlan(t, 1))
	require.True(t, derror.ErrAmendmentHandlerClosed.Equal(err))
	require.True(t, derror.ErrAmendmentHandlerClosed.Equal(h.Start(context.Background())))
}

func TestHandlerShutdownLetsRunningFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, inst *Instance) (model.PlanVersion, error) {
		started <- struct{}{}
		<-release
		return 3, nil
	})
	clk := clock.NewMock()
	h := NewHandler(1, exec, WithClock(clk))
	require.NoError(t, h.Start(context.Background()))

	running, err := h.Submit(newTestPlan(t, 1))
	require.NoError(t, err)
	<-started
	queued, err := h.Submit(newTestPlan(t, 2))
	require.NoError(t, err)
	require.Equal(t, StateRunning, running.inst.State())
	require.Equal(t, clk.Now(), running.inst.SubmittedAt())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Shutdown()
	}()
	require.Eventually(t, h.closed, time.Second, time.Millisecond)
	clk.Add(time.Second)
	close(release)
	<-done

	res, ok := running.Result()
	require.True(t, ok)
	require.True(t, res.Succeeded)
	require.Equal(t, model.PlanVersion(3), res.Version)
	require.Equal(t, time.Second, res.Duration)
	require.Equal(t, StateSucceeded, running.inst.State())

	// queued instances are dropped unresolved
	_, ok = queued.Result()
	require.False(t, ok)
	require.Equal(t, StateQueued, queued.inst.State())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = queued.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerRecoversPanic(t *testing.T) {
	t.Parallel()

	exec := funcExecutor(func(ctx context.Context, inst *Instance) (model.PlanVersion, error) {
		if inst.SharedQueryID() == 1 {
			panic("broken placement")
		}
		return 1, nil
	})
	reg := prometheus.NewRegistry()
	h := NewHandler(2, exec, WithMetricFactory(promutil.NewFactory(reg, nil)))
	require.NoError(t, h.Start(context.Background()))
	defer h.Shutdown()

	results := h.Results()
	bad, err := h.Submit(newTestPlan(t, 1))
	require.NoError(t, err)
	ok, err := bad.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	res, _ := bad.Result()
	require.True(t, derror.ErrPlacementPanicked.Equal(res.Err))
	require.Equal(t, StateFailed, bad.inst.State())

	// the worker survived
	good, err := h.Submit(newTestPlan(t, 2))
	require.NoError(t, err)
	waitAll(t, []*Future{good})

	got := []Result{<-results.C, <-results.C}
	require.False(t, got[0].Succeeded)
	require.Equal(t, model.SharedQueryID(2), got[1].SharedQueryID)

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.results.WithLabelValues("failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.results.WithLabelValues("succeeded")))
	require.Equal(t, float64(0), testutil.ToFloat64(h.metrics.queueLength))
}
