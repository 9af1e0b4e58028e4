// Package task implements the arena-backed task pool and Define/Launch/
// Complete/Wait lifecycle of spec §3.4, §3.6, §4.6, §4.8 (components C4 and
// C8): fixed-capacity pools of task slots identified by generational
// handles, a dependency graph built from permits lists, and the state
// machine Defined → Ready → Running → Completing → Done.
package task

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sbl8/pal/handle"
	"github.com/sbl8/pal/permits"
)

// Errors returned by task pool operations (spec §7).
var (
	ErrInvalidArgument = errors.New("task: invalid argument")
	ErrPoolFull        = errors.New("task: pool is full")
	ErrOutOfMemory     = errors.New("task: out of memory")
	ErrShuttingDown    = errors.New("task: pool is shutting down")
	ErrInvalidHandle   = errors.New("task: invalid handle")
)

// MaxInlinePermits bounds how many permits lists a single task slot may be
// a producer for, before attachPermit refuses further attachments (spec
// §3.4, and SPEC_FULL.md's named constant from original_source/pal_task.h).
const MaxInlinePermits = 15

// CompletionMode distinguishes tasks whose body completes itself from
// tasks completed by an external event (spec §4.6).
type CompletionMode uint8

const (
	// Internal means the task body calls Complete exactly once before
	// returning.
	Internal CompletionMode = iota
	// External means some other action (e.g. async I/O) calls Complete; the
	// body may return without completing.
	External
)

// State is a task slot's lifecycle stage (spec §4.6).
type State uint32

const (
	StateDefined State = iota
	StateReady
	StateRunning
	StateCompleting
	StateDone
)

// Body is a task's executable payload. ctx exposes the pool the task is
// running on and the facilities needed to Define/Launch/Complete further
// tasks, including completing the running task itself for Internal tasks.
type Body func(ctx *Context)

// ArgsCapacity is the inline argument buffer size (spec §3.4: "argument
// buffer (≤ 64 bytes inline)").
const ArgsCapacity = 64

type permitRef struct {
	list         *permits.List
	ownerPoolIdx uint8
	listIdx      uint32
}

// Slot is one task pool entry (spec §3.4). Slots are reused across
// Define/Complete cycles; a Slot's address is stable for the pool's
// lifetime (it lives in a pre-sized Go slice, mirroring the arena's own
// no-move contract).
type Slot struct {
	mu           sync.Mutex // guards sealed/permits during cross-task attach vs. Complete's drain
	sealed       bool
	permits      [MaxInlinePermits]permitRef
	permitsCount int

	body   Body
	parent handle.Handle
	mode   CompletionMode
	args   [ArgsCapacity]byte
	argLen int

	state         atomic.Uint32
	workCount     atomic.Int32
	launched      atomic.Bool
	depsSatisfied atomic.Bool
	queued        atomic.Bool

	async any // opaque I/O scratch (spec §4.7)
}

func (s *Slot) reset() {
	s.mu.Lock()
	s.sealed = false
	s.permitsCount = 0
	s.mu.Unlock()

	s.body = nil
	s.parent = handle.Nil
	s.mode = Internal
	s.argLen = 0
	s.state.Store(uint32(StateDefined))
	s.workCount.Store(1)
	s.launched.Store(false)
	s.depsSatisfied.Store(false)
	s.queued.Store(false)
	s.async = nil
}

// State returns the slot's current lifecycle state.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// Args returns the inline argument bytes copied in at Define time.
func (s *Slot) Args() []byte {
	return s.args[:s.argLen]
}

// Parent returns the parent task handle, or handle.Nil if none.
func (s *Slot) Parent() handle.Handle {
	return s.parent
}

// SetAsync stores opaque per-slot scratch for in-flight I/O (spec §4.7).
func (s *Slot) SetAsync(v any) {
	s.async = v
}

// Async returns the opaque per-slot scratch previously stored by SetAsync.
func (s *Slot) Async() any {
	return s.async
}

// attachPermit registers list as firing when this slot (the producer)
// completes. Returns false if the slot has already sealed (completed) or
// its inline permits vector is full; callers must treat false as "already
// satisfied" and decrement the caller's own wait count immediately (spec
// §4.5 step 2).
func (s *Slot) attachPermit(ref permitRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.permitsCount >= MaxInlinePermits {
		return false
	}
	s.permits[s.permitsCount] = ref
	s.permitsCount++
	return true
}

// sealAndSnapshot marks the slot as completing (blocking further
// attachPermit calls) and returns the permits it must fire.
func (s *Slot) sealAndSnapshot() []permitRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := make([]permitRef, s.permitsCount)
	copy(out, s.permits[:s.permitsCount])
	return out
}

// tryEnqueue pushes id onto pool's ready deque exactly once, the first time
// both "launched" and "dependencies satisfied" are true (spec §4.6:
// "Defined → Ready on Launch iff no remaining dependencies").
func (s *Slot) tryEnqueue(pool *Pool, id handle.Handle) bool {
	if !s.launched.Load() || !s.depsSatisfied.Load() {
		return false
	}
	if !s.queued.CompareAndSwap(false, true) {
		return false
	}
	s.state.Store(uint32(StateReady))
	_ = pool.ready.Push(uint32(id))
	return true
}
