package amendment

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/hanfei1991/streamplace/model"
	"github.com/hanfei1991/streamplace/pkg/clock"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// State is the life cycle state of an amendment instance.
type State int32

const (
	StateQueued State = iota + 1
	StateRunning
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateQueued:    "queued",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// IsTerminated returns whether the instance has finished.
func (s State) IsTerminated() bool {
	return s == StateSucceeded || s == StateFailed
}

// Result is the outcome of one amendment.
type Result struct {
	InstanceID    string
	SharedQueryID model.SharedQueryID
	Succeeded     bool
	// Version is the execution plan version after the amendment.
	Version  model.PlanVersion
	Err      error
	Duration time.Duration
}

// Instance wraps one shared query plan waiting to be amended.
type Instance struct {
	id    string
	plan  *queryplan.SharedQueryPlan
	clock clock.Clock
	state atomic.Int32

	submittedAt time.Time
	startedAt   atomic.Time
	finishedAt  atomic.Time
	startMono   clock.MonotonicTime

	doneCh chan struct{}
	result Result
}

func newInstance(id string, plan *queryplan.SharedQueryPlan, clk clock.Clock) *Instance {
	inst := &Instance{
		id:          id,
		plan:        plan,
		clock:       clk,
		submittedAt: clk.Now(),
		doneCh:      make(chan struct{}),
	}
	inst.state.Store(int32(StateQueued))
	return inst
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) SharedQueryID() model.SharedQueryID {
	return i.plan.ID()
}

// Plan returns the shared query plan to amend.
func (i *Instance) Plan() *queryplan.SharedQueryPlan {
	return i.plan
}

func (i *Instance) State() State {
	return State(i.state.Load())
}

func (i *Instance) SubmittedAt() time.Time {
	return i.submittedAt
}

// StartedAt returns the zero time until the instance runs.
func (i *Instance) StartedAt() time.Time {
	return i.startedAt.Load()
}

func (i *Instance) FinishedAt() time.Time {
	return i.finishedAt.Load()
}

// Future returns the handle the submitter waits on.
func (i *Instance) Future() *Future {
	return &Future{inst: i}
}

func (i *Instance) markRunning() bool {
	if !i.state.CAS(int32(StateQueued), int32(StateRunning)) {
		return false
	}
	i.startedAt.Store(i.clock.Now())
	i.startMono = i.clock.Mono()
	return true
}

func (i *Instance) finish(version model.PlanVersion, err error) Result {
	state := StateSucceeded
	if err != nil {
		state = StateFailed
	}
	i.result = Result{
		InstanceID:    i.id,
		SharedQueryID: i.plan.ID(),
		Succeeded:     err == nil,
		Version:       version,
		Err:           err,
		Duration:      i.clock.Mono().Sub(i.startMono),
	}
	i.finishedAt.Store(i.clock.Now())
	i.state.Store(int32(state))
	close(i.doneCh)
	return i.result
}

// Future resolves once the amendment finished. Instances dropped by a
// shutdown never resolve, callers should wait with a deadline.
type Future struct {
	inst *Instance
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.inst.doneCh
}

// Wait blocks until the amendment finished and reports whether it
// succeeded. The error is only set when ctx is done first.
func (f *Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, errors.Trace(ctx.Err())
	case <-f.inst.doneCh:
		return f.inst.result.Succeeded, nil
	}
}

// Result returns the outcome if the amendment finished.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.inst.doneCh:
		return f.inst.result, true
	default:
		return Result{}, false
	}
}
