package queue

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// Ring is a bounded, lock-free, multi-producer ring buffer generalized from
// Dmitry Vyukov's bounded MPMC queue: each cell carries its own sequence
// number, so producers racing on Push (and, if ever needed, consumers
// racing on Pop) resolve via per-cell CAS rather than a single global lock.
// The scheduler uses it strictly MPSC (spec §5: "Free-list rings are MPSC
// (owner consumes, any thread produces)"), but the algorithm is correct for
// concurrent consumers too.
//
// T is constrained to integers because every free-slot ring the scheduler
// needs holds slot or task-list indices (spec §3.6: the permit and task
// slot free-slot rings); the constraint mirrors the generic numeric ring in
// joeycumines-go-utilpkg/catrate/ring.go, which this type's masked-index
// scheme is grounded on.
type Ring[T constraints.Integer] struct {
	buf  []cell[T]
	mask uint64
	enq  atomic.Uint64
	deq  atomic.Uint64
}

type cell[T constraints.Integer] struct {
	seq atomic.Uint64
	val T
}

// NewRing constructs a Ring holding up to capacity elements. capacity must
// be a power of two.
func NewRing[T constraints.Integer](capacity int) (*Ring[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: capacity must be a power of two, got %d", ErrInvalidArgument, capacity)
	}
	r := &Ring[T]{
		buf:  make([]cell[T], capacity),
		mask: uint64(capacity - 1),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Push enqueues v. Safe for any number of concurrent producers. Returns
// false if the ring is full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.enq.Load()
	for {
		c := &r.buf[pos&r.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.enq.Load()
		case diff < 0:
			return false
		default:
			pos = r.enq.Load()
		}
	}
}

// Pop dequeues the oldest element. Correct under concurrent consumers,
// though the scheduler only ever calls it from the owning pool thread.
func (r *Ring[T]) Pop() (T, bool) {
	pos := r.deq.Load()
	for {
		c := &r.buf[pos&r.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				var zero T
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.deq.Load()
		case diff < 0:
			var zero T
			return zero, false
		default:
			pos = r.deq.Load()
		}
	}
}

// Len reports an approximate occupancy, racy under concurrent use; intended
// for diagnostics only.
func (r *Ring[T]) Len() int {
	e := r.enq.Load()
	d := r.deq.Load()
	if e <= d {
		return 0
	}
	return int(e - d)
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
