package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

// Clock is the source of wall and monotonic time. Tests replace it with
// a Mock to control time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Mono() MonotonicTime
}

// MonotonicTime is a point in monotonic time, not affected by wall clock
// adjustments.
type MonotonicTime time.Duration

// MonoNow returns the current monotonic time.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Sub returns the duration m-other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

type clockImpl struct {
	bclock.Clock
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return &clockImpl{Clock: bclock.New()}
}

func (c *clockImpl) Mono() MonotonicTime {
	return MonoNow()
}

// Mock is a Clock whose time only moves when told to.
type Mock struct {
	*bclock.Mock
}

// NewMock returns a Mock set to the Unix epoch.
func NewMock() *Mock {
	return &Mock{Mock: bclock.NewMock()}
}

// Mono derives the monotonic time from the mocked wall time.
func (m *Mock) Mono() MonotonicTime {
	return MonotonicTime(m.Now().UnixNano())
}
