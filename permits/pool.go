package permits

import (
	"errors"
	"fmt"

	"github.com/sbl8/pal/arena"
	"github.com/sbl8/pal/internal/mathutil"
	"github.com/sbl8/pal/queue"
)

// ErrExhausted is returned by Pool.Acquire when every List slot is in use;
// the Pool never grows past the capacity given to NewPool (spec §4.9: "if
// permits arena exhausted, fail Define with OutOfMemory").
var ErrExhausted = errors.New("permits: pool exhausted")

// ErrInvalidArgument is returned for malformed Pool construction inputs.
var ErrInvalidArgument = errors.New("permits: invalid argument")

// approxListSize is a conservative byte budget per List slot, used only to
// size the arena reservation the Pool drives (spec §3.6: "permit list
// arena, committed on demand up to 8 MiB"). The List values themselves live
// in a pre-sized Go slice, which — like the arena's own bump region — never
// grows or moves once allocated.
const approxListSize = 160

// Pool is a fixed-capacity, arena-sized allocator of permits Lists for one
// task pool, recycled through an MPSC free-slot ring exactly like the task
// slot pool it sits beside (spec §3.6).
type Pool struct {
	ownerPoolIndex uint32
	lists          []List
	free           *queue.Ring[uint32]
}

// NewPool constructs a Pool with room for capacity permits Lists, reserving
// a matching byte budget from a (spec §3.6's permit list arena).
func NewPool(a *arena.Arena, ownerPoolIndex uint32, capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0", ErrInvalidArgument)
	}
	if _, err := a.Allocate(uintptr(capacity*approxListSize), 8); err != nil {
		return nil, fmt.Errorf("permits: reserving arena budget: %w", err)
	}

	free, err := queue.NewRing[uint32](mathutil.NextPow2(capacity))
	if err != nil {
		return nil, err
	}
	p := &Pool{
		ownerPoolIndex: ownerPoolIndex,
		lists:          make([]List, capacity),
		free:           free,
	}
	for i := range p.lists {
		if !p.free.Push(uint32(i)) {
			return nil, fmt.Errorf("permits: free ring rejected initial slot %d", i)
		}
	}
	return p, nil
}

// Acquire hands out a List initialized with waitCount outstanding
// producers, along with the slot index needed to Release it later.
func (p *Pool) Acquire(waitCount int32) (*List, uint32, error) {
	idx, ok := p.free.Pop()
	if !ok {
		return nil, 0, ErrExhausted
	}
	l := &p.lists[idx]
	l.Reset(p.ownerPoolIndex, waitCount)
	return l, idx, nil
}

// Release returns a drained List's slot to the free ring. Callers must only
// Release a List after its WaitCount has reached 0 and Tasks() has been
// fully drained.
func (p *Pool) Release(idx uint32) {
	p.free.Push(idx)
}

// At returns a pointer to the List at idx, for callers that only have the
// slot index (e.g. cross-pool bookkeeping).
func (p *Pool) At(idx uint32) *List {
	return &p.lists[idx]
}

// OwnerPoolIndex returns the pool index this Pool was created for.
func (p *Pool) OwnerPoolIndex() uint32 {
	return p.ownerPoolIndex
}
