package amendment

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/autoid"
	"github.com/hanfei1991/streamplace/pkg/clock"
	"github.com/hanfei1991/streamplace/pkg/containers"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/notifier"
	"github.com/hanfei1991/streamplace/pkg/promutil"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// DefaultWorkerCount is the number of amendment workers when none is
// configured.
const DefaultWorkerCount = 4

// Executor performs one amendment.
type Executor interface {
	Execute(ctx context.Context, inst *Instance) (model.PlanVersion, error)
}

type handlerState int32

const (
	handlerCreated handlerState = iota
	handlerRunning
	handlerClosed
)

// Handler runs amendments on a fixed pool of workers consuming a FIFO
// queue. Amendments of the same shared query plan never overlap: an
// instance submitted while another one for the same plan is running
// waits behind it and keeps its submission order.
type Handler struct {
	workerCount int
	executor    Executor
	clock       clock.Clock
	idAlloc     *autoid.UUIDAllocator

	queue *containers.SliceQueue[*Instance]

	mu sync.Mutex
	// busy holds the plans with a running instance, deferred the
	// instances waiting for them.
	busy     map[model.SharedQueryID]struct{}
	deferred map[model.SharedQueryID][]*Instance

	state   atomic.Int32
	closeCh chan struct{}
	cancel  context.CancelFunc
	eg      *errgroup.Group

	results *notifier.Notifier[Result]
	metrics *handlerMetrics
}

// HandlerOption customizes a Handler.
type HandlerOption func(h *Handler)

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = clk
	}
}

// WithMetricFactory registers the handler metrics through factory.
func WithMetricFactory(factory promutil.Factory) HandlerOption {
	return func(h *Handler) {
		h.metrics = newHandlerMetrics(factory)
	}
}

// NewHandler creates a handler. Start must be called before Submit.
func NewHandler(workerCount int, executor Executor, opts ...HandlerOption) *Handler {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	h := &Handler{
		workerCount: workerCount,
		executor:    executor,
		clock:       clock.New(),
		idAlloc:     autoid.NewUUIDAllocator(),
		queue:       containers.NewSliceQueue[*Instance](),
		busy:        make(map[model.SharedQueryID]struct{}),
		deferred:    make(map[model.SharedQueryID][]*Instance),
		closeCh:     make(chan struct{}),
		results:     notifier.NewNotifier[Result](),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = newHandlerMetrics(promutil.NewNopFactory())
	}
	return h
}

// Start spawns the workers.
func (h *Handler) Start(ctx context.Context) error {
	if !h.state.CAS(int32(handlerCreated), int32(handlerRunning)) {
		return derror.ErrAmendmentHandlerClosed.GenWithStackByArgs()
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.eg, ctx = errgroup.WithContext(ctx)
	for i := 0; i < h.workerCount; i++ {
		workerID := i
		h.eg.Go(func() error {
			return h.runWorker(ctx, workerID)
		})
	}
	log.L().Info("amendment handler started", zap.Int("worker-count", h.workerCount))
	return nil
}

// Submit queues an amendment of plan and returns its future.
func (h *Handler) Submit(plan *queryplan.SharedQueryPlan) (*Future, error) {
	switch handlerState(h.state.Load()) {
	case handlerCreated:
		return nil, derror.ErrAmendmentHandlerNotStarted.GenWithStackByArgs()
	case handlerClosed:
		return nil, derror.ErrAmendmentHandlerClosed.GenWithStackByArgs()
	}
	inst := newInstance(h.idAlloc.AllocID(), plan, h.clock)
	h.queue.Add(inst)
	h.metrics.queueLength.Inc()
	log.L().Debug("amendment submitted",
		zap.String("instance-id", inst.ID()),
		zap.Uint64("shared-query-id", uint64(plan.ID())))
	return inst.Future(), nil
}

// Results subscribes to the outcome of every amendment.
func (h *Handler) Results() *notifier.Receiver[Result] {
	return h.results.NewReceiver()
}

// Pending returns the number of instances not yet started.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.queue.Size()
	for _, insts := range h.deferred {
		n += len(insts)
	}
	return n
}

// Shutdown stops accepting instances, lets running ones finish and joins
// the workers. Instances still queued are dropped unresolved.
func (h *Handler) Shutdown() {
	old := handlerState(h.state.Swap(int32(handlerClosed)))
	if old == handlerClosed {
		return
	}
	if old == handlerRunning {
		close(h.closeCh)
		if err := h.eg.Wait(); err != nil {
			log.L().Warn("amendment worker exited with error", zap.Error(err))
		}
		h.cancel()
	}

	dropped := len(h.queue.Drain())
	h.mu.Lock()
	for id, insts := range h.deferred {
		dropped += len(insts)
		delete(h.deferred, id)
	}
	h.mu.Unlock()
	h.metrics.queueLength.Set(0)
	h.results.Close()
	log.L().Info("amendment handler stopped", zap.Int("dropped-instances", dropped))
}

func (h *Handler) closed() bool {
	select {
	case <-h.closeCh:
		return true
	default:
		return false
	}
}

func (h *Handler) runWorker(ctx context.Context, workerID int) error {
	for {
		select {
		case <-h.closeCh:
			return nil
		case <-h.queue.C:
		}
		for !h.closed() {
			inst, ok := h.next()
			if !ok {
				break
			}
			// other workers may be asleep while more is queued
			if h.queue.Size() > 0 {
				h.wakeUp()
			}
			h.runChain(ctx, workerID, inst)
		}
	}
}

func (h *Handler) wakeUp() {
	select {
	case h.queue.C <- struct{}{}:
	default:
	}
}

// next pops the first instance whose plan is idle and marks the plan busy.
// Instances of busy plans are parked behind the running one.
func (h *Handler) next() (*Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		inst, ok := h.queue.Pop()
		if !ok {
			return nil, false
		}
		id := inst.SharedQueryID()
		if _, ok := h.busy[id]; ok {
			h.deferred[id] = append(h.deferred[id], inst)
			continue
		}
		h.busy[id] = struct{}{}
		h.metrics.queueLength.Dec()
		return inst, true
	}
}

// runChain runs inst, then every instance parked behind it for the same
// plan, before releasing the plan.
func (h *Handler) runChain(ctx context.Context, workerID int, inst *Instance) {
	id := inst.SharedQueryID()
	for inst != nil {
		h.run(ctx, workerID, inst)

		h.mu.Lock()
		inst = nil
		if waiting := h.deferred[id]; len(waiting) > 0 && !h.closed() {
			inst = waiting[0]
			if len(waiting) == 1 {
				delete(h.deferred, id)
			} else {
				h.deferred[id] = waiting[1:]
			}
			h.metrics.queueLength.Dec()
		} else {
			delete(h.busy, id)
		}
		h.mu.Unlock()
	}
}

func (h *Handler) run(ctx context.Context, workerID int, inst *Instance) {
	if !inst.markRunning() {
		return
	}
	logger := log.L().With(
		zap.String("instance-id", inst.ID()),
		zap.Uint64("shared-query-id", uint64(inst.SharedQueryID())),
		zap.Int("worker", workerID))
	logger.Debug("amendment started")

	version, err := h.execute(ctx, inst)
	res := inst.finish(version, err)
	h.metrics.observe(res)
	h.results.Notify(res)
	if err != nil {
		logger.Error("amendment failed", zap.Error(err), zap.Duration("duration", res.Duration))
		return
	}
	logger.Info("amendment succeeded",
		zap.Uint64("version", uint64(version)),
		zap.Duration("duration", res.Duration))
}

func (h *Handler) execute(ctx context.Context, inst *Instance) (version model.PlanVersion, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.L().Error("amendment panicked",
				zap.Uint64("shared-query-id", uint64(inst.SharedQueryID())),
				zap.Any("panic", r), zap.Stack("stack"))
			version, err = 0, derror.ErrPlacementPanicked.GenWithStackByArgs(fmt.Sprint(r))
		}
	}()
	return h.executor.Execute(ctx, inst)
}

type handlerMetrics struct {
	results     *prometheus.CounterVec
	queueLength prometheus.Gauge
	duration    prometheus.Histogram
}

func newHandlerMetrics(factory promutil.Factory) *handlerMetrics {
	return &handlerMetrics{
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "amendment",
			Name:      "results_total",
			Help:      "Number of finished amendments by result.",
		}, []string{"result"}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Subsystem: "amendment",
			Name:      "queue_length",
			Help:      "Number of amendments waiting for a worker.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "amendment",
			Name:      "duration_seconds",
			Help:      "Time spent running an amendment.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 18),
		}),
	}
}

func (m *handlerMetrics) observe(res Result) {
	label := StateSucceeded.String()
	if !res.Succeeded {
		label = StateFailed.String()
	}
	m.results.WithLabelValues(label).Inc()
	m.duration.Observe(res.Duration.Seconds())
}
