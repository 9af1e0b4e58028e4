package task

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/sbl8/pal/arena"
	"github.com/sbl8/pal/handle"
	"github.com/sbl8/pal/internal/cacheline"
	"github.com/sbl8/pal/internal/mathutil"
	"github.com/sbl8/pal/internal/xlog"
	"github.com/sbl8/pal/permits"
	"github.com/sbl8/pal/queue"
)

// Flags are the four independently-settable pool behavior bits carried
// over from the original PAL_TASK_POOL_FLAG_* constants (SPEC_FULL.md
// SUPPLEMENTED FEATURES): a pool with AllowSteal clear must be skipped by
// victim selection, a behavior spec.md's prose doesn't spell out but the
// original's steal loop enforces.
type Flags struct {
	AllowPublish  bool
	AllowSteal    bool
	OwnerMayBlock bool
	PoolIsWorker  bool
}

// PoolStats is a read-only observability snapshot; it changes no
// scheduling behavior (SPEC_FULL.md SUPPLEMENTED FEATURES).
type PoolStats struct {
	Defined   int64
	Launched  int64
	Completed int64
	Stolen    int64
}

// poolCounters pads each counter onto its own cache line: Defined and
// Launched are written on every Define/Launch call, Completed on every
// completion, and Stolen only by peer workers' steal loops, so the four
// are hot from independent threads at very different rates (spec §3.6).
type poolCounters struct {
	defined atomic.Int64
	_       cacheline.Pad
	launched atomic.Int64
	_        cacheline.Pad
	completed atomic.Int64
	_         cacheline.Pad
	stolen atomic.Int64
	_      cacheline.Pad
}

// Pool is one per-thread task pool: an arena-sized handle table of task
// slots, a permits list allocator, an SPMC ready deque, and an MPSC
// free-slot ring recycling completed slots back to their owner (spec §3.6).
type Pool struct {
	index    uint8
	reg      *Registry
	table    *handle.Table
	chunkCap uint32
	slots    []Slot
	perm     *permits.Pool
	ready    *queue.Deque
	freeRing *queue.Ring[uint32]

	flags         Flags
	userContext   any
	boundThreadID int64
	shuttingDown atomic.Bool
	counters     poolCounters
}

// Config configures a new Pool (spec §6's pool-init configuration
// enumeration).
type Config struct {
	Index           uint8
	MaxActiveTasks  uint32
	Flags           Flags
	UserContext     any
	PermitsCapacity int
	Arena           *arena.Arena
	// Logger, if non-nil, is forwarded to the pool's handle.Table so
	// table-exhaustion warnings carry pool identity. Defaults to
	// handle.NewTable's own default (xlog.Base()).
	Logger *zerolog.Logger
}


// NewPool constructs a Pool per cfg. The arena supplies the byte budget
// backing the task slot and permits list arenas (spec §3.6).
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxActiveTasks == 0 || cfg.MaxActiveTasks > 65536 {
		return nil, fmt.Errorf("%w: MaxActiveTasks must be in (0, 65536]", ErrInvalidArgument)
	}
	if cfg.Arena == nil {
		return nil, fmt.Errorf("%w: Arena must be non-nil", ErrInvalidArgument)
	}

	chunkCap := cfg.MaxActiveTasks
	if chunkCap > handle.MaxSlotsPerChunk {
		chunkCap = handle.MaxSlotsPerChunk
	}
	maxChunks := (cfg.MaxActiveTasks + chunkCap - 1) / chunkCap

	tableLogger := xlog.Base()
	if cfg.Logger != nil {
		tableLogger = *cfg.Logger
	}
	tableLogger = xlog.Pool(tableLogger, int(cfg.Index), 0)
	table, err := handle.NewTable(handle.Config{
		Namespace:     cfg.Index,
		ChunkCapacity: chunkCap,
		MaxChunkCount: maxChunks,
		Logger:        &tableLogger,
	})
	if err != nil {
		return nil, err
	}

	// Reserve the task slot arena budget (spec §3.6: "task slot arena,
	// committed on demand up to 16 MiB"); the Slot values themselves live
	// in a pre-sized Go slice for the same reason permits.Pool does this.
	const approxSlotSize = 256
	if _, err := cfg.Arena.Allocate(uintptr(maxChunks*chunkCap)*approxSlotSize, 8); err != nil {
		return nil, fmt.Errorf("task: reserving slot arena budget: %w", err)
	}

	permitsCap := cfg.PermitsCapacity
	if permitsCap <= 0 {
		permitsCap = int(cfg.MaxActiveTasks)
	}
	perm, err := permits.NewPool(cfg.Arena, uint32(cfg.Index), permitsCap)
	if err != nil {
		return nil, err
	}

	ready, err := queue.NewDeque(int(mathutil.NextPow2(cfg.MaxActiveTasks)))
	if err != nil {
		return nil, err
	}
	free, err := queue.NewRing[uint32](int(mathutil.NextPow2(maxChunks * chunkCap)))
	if err != nil {
		return nil, err
	}

	p := &Pool{
		index:       cfg.Index,
		table:       table,
		chunkCap:    chunkCap,
		slots:       make([]Slot, maxChunks*chunkCap),
		perm:        perm,
		ready:       ready,
		freeRing:    free,
		flags:       cfg.Flags,
		userContext: cfg.UserContext,
	}
	return p, nil
}

// Index returns the pool's index (also its handle namespace).
func (p *Pool) Index() uint8 { return p.index }

// MaxActiveTasks returns the pool's task slot capacity: the configured
// MaxActiveTasks rounded up to a whole number of handle-table chunks.
func (p *Pool) MaxActiveTasks() uint32 { return uint32(len(p.slots)) }

// Flags returns the pool's configured behavior flags.
func (p *Pool) Flags() Flags { return p.flags }

// UserContext returns the opaque value stored at pool creation (spec §6
// QueryUserContext).
func (p *Pool) UserContext() any { return p.userContext }

// BoundThreadID returns the identity last recorded by BindThread (the worker
// package records its worker's construction-order index, not an OS thread
// ID), or 0 if none has been recorded.
func (p *Pool) BoundThreadID() int64 { return p.boundThreadID }

// BindThread records the calling thread's identity for QueryBoundThreadId.
func (p *Pool) BindThread(tid int64) { p.boundThreadID = tid }

// Stats returns a point-in-time snapshot of the pool's task counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Defined:   p.counters.defined.Load(),
		Launched:  p.counters.launched.Load(),
		Completed: p.counters.completed.Load(),
		Stolen:    p.counters.stolen.Load(),
	}
}

// RecordSteal increments the Stolen counter; called by the worker package
// when a steal from this pool succeeds.
func (p *Pool) RecordSteal() { p.counters.stolen.Add(1) }

// Ready returns the pool's SPMC ready deque, for worker loops.
func (p *Pool) Ready() *queue.Deque { return p.ready }

// Shutdown marks the pool as shutting down; further Define calls fail with
// ErrShuttingDown.
func (p *Pool) Shutdown() { p.shuttingDown.Store(true) }

// ShuttingDown reports whether Shutdown has been called.
func (p *Pool) ShuttingDown() bool { return p.shuttingDown.Load() }

func (p *Pool) flatIndex(h handle.Handle) uint32 {
	return h.ChunkIndex()*p.chunkCap + h.SlotIndex()
}

// slotFor resolves a live handle to its Slot, or nil if the handle doesn't
// validate against this pool's table.
func (p *Pool) slotFor(h handle.Handle) *Slot {
	if !p.table.Validate(h) {
		return nil
	}
	return &p.slots[p.flatIndex(h)]
}

// drainFreeRing performs the deferred handle deletions for slots released
// by (possibly remote) completions, funneling them through the pool owner
// thread the way spec §5 requires ("written only by the pool owner thread,
// pushed onto MPSC by any completer").
func (p *Pool) drainFreeRing() {
	for {
		raw, ok := p.freeRing.Pop()
		if !ok {
			return
		}
		p.table.DeleteIds([]handle.Handle{handle.Handle(raw)})
	}
}

// DefineInit describes a new task (spec §3.4, §6's InitInternallyCompleted/
// InitExternallyCompleted family).
type DefineInit struct {
	Body   Body
	Parent handle.Handle
	Mode   CompletionMode
	Args   []byte
	Deps   []handle.Handle
}

// NewInternalInit builds a DefineInit for a root, internally-completed task.
func NewInternalInit(body Body, args []byte, deps ...handle.Handle) DefineInit {
	return DefineInit{Body: body, Parent: handle.Nil, Mode: Internal, Args: args, Deps: deps}
}

// NewInternalChildInit builds a DefineInit for an internally-completed task
// that increments parent's WorkCount.
func NewInternalChildInit(parent handle.Handle, body Body, args []byte, deps ...handle.Handle) DefineInit {
	return DefineInit{Body: body, Parent: parent, Mode: Internal, Args: args, Deps: deps}
}

// NewExternalInit builds a DefineInit for a root, externally-completed task.
func NewExternalInit(body Body, args []byte, deps ...handle.Handle) DefineInit {
	return DefineInit{Body: body, Parent: handle.Nil, Mode: External, Args: args, Deps: deps}
}

// NewExternalChildInit builds a DefineInit for an externally-completed
// child task.
func NewExternalChildInit(parent handle.Handle, body Body, args []byte, deps ...handle.Handle) DefineInit {
	return DefineInit{Body: body, Parent: parent, Mode: External, Args: args, Deps: deps}
}

// Define allocates a task slot on p and returns its handle (spec §4.8).
// Never blocks in this implementation beyond draining its own free ring
// (the pool's MPSC free-slot ring is bounded by the pool's own task
// capacity, so it is always immediately serviceable by the owner).
func (p *Pool) Define(init DefineInit) (handle.Handle, error) {
	if p.shuttingDown.Load() {
		return handle.Nil, ErrShuttingDown
	}
	if len(init.Args) > ArgsCapacity {
		return handle.Nil, fmt.Errorf("%w: args exceed %d bytes", ErrInvalidArgument, ArgsCapacity)
	}

	p.drainFreeRing()

	out := make([]handle.Handle, 1)
	if err := p.table.CreateIds(out); err != nil {
		return handle.Nil, fmt.Errorf("%w: %v", ErrPoolFull, err)
	}
	id := out[0]
	slot := &p.slots[p.flatIndex(id)]
	slot.reset()
	slot.body = init.Body
	slot.parent = init.Parent
	slot.mode = init.Mode
	slot.argLen = copy(slot.args[:], init.Args)

	if init.Parent != handle.Nil {
		if parentPool := p.reg.PoolFor(init.Parent.Namespace()); parentPool != nil {
			if parentSlot := parentPool.slotFor(init.Parent); parentSlot != nil {
				parentSlot.workCount.Add(1)
			}
		}
	}

	if err := p.attachDependencies(slot, id, init.Deps); err != nil {
		p.table.DeleteIds([]handle.Handle{id})
		return handle.Nil, err
	}

	p.counters.defined.Add(1)
	return id, nil
}

func (p *Pool) attachDependencies(slot *Slot, id handle.Handle, deps []handle.Handle) error {
	if len(deps) == 0 {
		slot.depsSatisfied.Store(true)
		return nil
	}

	list, listIdx, err := p.perm.Acquire(int32(len(deps)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if err := list.AddTask(uint32(id)); err != nil {
		p.perm.Release(listIdx)
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	for _, dep := range deps {
		attached := false
		if depPool := p.reg.PoolFor(dep.Namespace()); depPool != nil {
			if depSlot := depPool.slotFor(dep); depSlot != nil {
				attached = depSlot.attachPermit(permitRef{list: list, ownerPoolIdx: p.index, listIdx: listIdx})
			}
		}
		if !attached {
			// Dependency already completed (or invalid): immediately
			// satisfied, per SPEC_FULL.md's Open Question decision. A list
			// is consumed exactly once, by whichever Decrement call
			// actually observes the transition to zero (spec §3.5) — an
			// attached dependency completing concurrently on another
			// goroutine decrements this same list via fireList, so only
			// the return value of this call, never a later re-read of
			// WaitCount, may decide that this call is the one responsible
			// for releasing the list.
			if list.Decrement() == 0 {
				slot.depsSatisfied.Store(true)
				p.perm.Release(listIdx)
			}
		}
	}
	return nil
}

// Launch transitions id from Defined to Ready if no dependencies remain,
// returning how many tasks were newly made ready (0 or 1: this call only
// ever ready-transitions id itself). Re-Launching an already-launched task
// returns ErrInvalidArgument (SPEC_FULL.md Open Question decision).
func (p *Pool) Launch(id handle.Handle) (int, error) {
	slot := p.slotFor(id)
	if slot == nil {
		return 0, ErrInvalidHandle
	}
	if !slot.launched.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("%w: task already launched", ErrInvalidArgument)
	}
	p.counters.launched.Add(1)
	if slot.tryEnqueue(p, id) {
		p.reg.notifyReady(p.index)
		return 1, nil
	}
	return 0, nil
}

// Complete decrements id's WorkCount by one. Permits fire, parent
// completion chains, and the slot is released back to its pool only on the
// transition to zero (spec §4.6, §4.8).
func (p *Pool) Complete(id handle.Handle) (int, error) {
	slot := p.slotFor(id)
	if slot == nil {
		return 0, nil // invalid handle: silent no-op (spec §7)
	}
	if slot.workCount.Add(-1) > 0 {
		return 0, nil
	}

	slot.state.Store(uint32(StateCompleting))
	readyCount := 0
	for _, ref := range slot.sealAndSnapshot() {
		if ref.list.Decrement() == 0 {
			readyCount += p.fireList(ref.list, ref.ownerPoolIdx, ref.listIdx)
		}
	}

	if slot.parent != handle.Nil {
		if parentPool := p.reg.PoolFor(slot.parent.Namespace()); parentPool != nil {
			n, _ := parentPool.Complete(slot.parent)
			readyCount += n
		}
	}

	p.counters.completed.Add(1)
	slot.state.Store(uint32(StateDone))
	p.freeRing.Push(uint32(id))
	return readyCount, nil
}

// fireList drains a permits list that just reached WaitCount 0, pushing
// every dependent task that is already launched onto its owning pool's
// ready queue, and releases the list back to its owner.
func (p *Pool) fireList(list *permits.List, ownerIdx uint8, listIdx uint32) int {
	ready := 0
	for _, raw := range list.Tasks() {
		t := handle.Handle(raw)
		tPool := p.reg.PoolFor(t.Namespace())
		if tPool == nil {
			continue
		}
		tSlot := tPool.slotFor(t)
		if tSlot == nil {
			continue
		}
		tSlot.depsSatisfied.Store(true)
		if tSlot.tryEnqueue(tPool, t) {
			ready++
			p.reg.notifyReady(tPool.index)
		}
	}
	if ownerPool := p.reg.PoolFor(ownerIdx); ownerPool != nil {
		ownerPool.perm.Release(listIdx)
	}
	return ready
}
