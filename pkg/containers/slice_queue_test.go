package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueueBasics(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[int]()
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)

	q.Add(1)
	q.Add(2)
	q.Add(3)
	require.Equal(t, 3, q.Size())

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, []int{2, 3}, q.Drain())
	require.Equal(t, 0, q.Size())
}

func TestSliceQueueSignal(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[string]()
	q.Add("a")
	q.Add("b")
	// multiple adds collapse into a single pending signal
	<-q.C
	select {
	case <-q.C:
		t.Fatal("unexpected second signal")
	default:
	}
}

func TestSliceQueueConcurrent(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Add(i*100 + j)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 800, q.Size())

	seen := make(map[int]struct{})
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		seen[v] = struct{}{}
	}
	require.Len(t, seen, 800)
}
