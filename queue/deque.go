// Package queue implements the two lock-free ring structures the scheduler
// runs its hot path on (spec §4.4, §5): a fixed-capacity Chase-Lev SPMC
// deque for each pool's ready task IDs, and a generic bounded MPSC ring
// (queue/ring.go) for free-slot recycling.
//
// The masked power-of-two indexing scheme is grounded on the generic ring
// buffer in joeycumines-go-utilpkg/catrate/ring.go; this package trades that
// ring's resizable single-threaded design for fixed capacity and atomic
// cross-thread publish/steal, per the Chase-Lev algorithm spec §4.4 calls
// for directly.
package queue

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sbl8/pal/internal/cacheline"
)

// Errors returned by queue operations.
var (
	ErrInvalidArgument = errors.New("queue: invalid argument")
	ErrFull            = errors.New("queue: ring is full")
)

// StealResult is the three-way outcome of a Steal call (spec §4.4:
// "Steal() → id | empty | abort").
type StealResult int

const (
	// StealEmpty means the victim currently has no ready work.
	StealEmpty StealResult = iota
	// StealOK means id holds a stolen task ID.
	StealOK
	// StealAbort means another thread raced this steal; the caller should
	// retry against a different victim.
	StealAbort
)

// Deque is a fixed-capacity Chase-Lev SPMC work-stealing deque of 32-bit
// task IDs. The owning thread calls Push/Take; any thread may call Steal.
type Deque struct {
	buf  []uint32
	mask uint64

	// private (the owner-mutated bottom/take end) and public (the steal
	// end, CAS'd by any thread) are each written at a very different rate
	// by very different threads; padding keeps them off the same cache
	// line (spec §3.6's ReadyPublicPos/ReadyPrivatePos split).
	private atomic.Int64
	_       cacheline.Pad
	public  atomic.Int64
	_       cacheline.Pad
}

// NewDeque constructs a Deque with room for exactly capacity IDs. capacity
// must be a power of two.
func NewDeque(capacity int) (*Deque, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: capacity must be a power of two, got %d", ErrInvalidArgument, capacity)
	}
	return &Deque{
		buf:  make([]uint32, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Len reports the number of ready IDs currently held. Racy with respect to
// concurrent Steal/Push; intended for diagnostics only.
func (d *Deque) Len() int {
	b := d.private.Load()
	t := d.public.Load()
	if b <= t {
		return 0
	}
	return int(b - t)
}

// Push appends id at the private end. Owner-only. Returns ErrFull if the
// ring is already at capacity.
func (d *Deque) Push(id uint32) error {
	b := d.private.Load()
	t := d.public.Load()
	if b-t >= int64(len(d.buf)) {
		return ErrFull
	}
	d.buf[uint64(b)&d.mask] = id
	d.private.Store(b + 1)
	return nil
}

// Take removes and returns the most recently pushed ID (owner-only LIFO
// end), implementing the classical Chase-Lev take side adapted to a fixed
// ring (spec §4.4).
func (d *Deque) Take() (uint32, bool) {
	b := d.private.Load() - 1
	d.private.Store(b)
	t := d.public.Load()

	if t > b {
		// Was already empty; restore.
		d.private.Store(b + 1)
		return 0, false
	}

	id := d.buf[uint64(b)&d.mask]
	if t == b {
		// Last element: race the public end against concurrent stealers.
		if !d.public.CompareAndSwap(t, t+1) {
			id = 0
			b = t + 1
			d.private.Store(b)
			return 0, false
		}
		d.private.Store(t + 1)
	}
	return id, true
}

// Steal removes and returns the oldest ID from the public end. Any thread
// may call Steal concurrently with the owner's Push/Take and with other
// stealers.
func (d *Deque) Steal() (uint32, StealResult) {
	t := d.public.Load()
	b := d.private.Load()
	if t >= b {
		return 0, StealEmpty
	}
	id := d.buf[uint64(t)&d.mask]
	if !d.public.CompareAndSwap(t, t+1) {
		return 0, StealAbort
	}
	return id, StealOK
}
