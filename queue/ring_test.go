package queue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRingRejectsNonPowerOfTwo(t *testing.T) {
	t.Parallel()
	_, err := NewRing[uint32](5)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRingPushPopFIFO(t *testing.T) {
	t.Parallel()
	r, err := NewRing[uint32](4)
	require.NoError(t, err)

	require.True(t, r.Push(10))
	require.True(t, r.Push(20))

	v, ok := r.Pop()
	require.True(t, ok)
	require.EqualValues(t, 10, v)

	v, ok = r.Pop()
	require.True(t, ok)
	require.EqualValues(t, 20, v)

	_, ok = r.Pop()
	require.False(t, ok)
}

func TestRingPushFailsWhenFull(t *testing.T) {
	t.Parallel()
	r, err := NewRing[uint32](2)
	require.NoError(t, err)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	require.False(t, r.Push(3))
}

func TestRingReusesSlotsAfterPop(t *testing.T) {
	t.Parallel()
	r, err := NewRing[uint32](2)
	require.NoError(t, err)
	require.True(t, r.Push(1))
	_, _ = r.Pop()
	require.True(t, r.Push(2))
	require.True(t, r.Push(3))
	require.False(t, r.Push(4))
}

// Multiple producers pushing concurrently must never lose or duplicate an
// element for a single consumer draining afterward (spec §5: free-list
// rings are MPSC).
func TestRingConcurrentProducersNoLoss(t *testing.T) {
	const producers = 8
	const perProducer = 2000
	const capacity = 1 << 15

	r, err := NewRing[uint32](capacity)
	require.NoError(t, err)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for i := uint32(0); i < perProducer; i++ {
				if r.Push(base + i) {
					accepted.Add(1)
				}
			}
		}(uint32(p * perProducer))
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := r.Pop(); !ok {
			break
		}
		count++
	}
	require.EqualValues(t, accepted.Load(), count)
}
