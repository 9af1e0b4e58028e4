package handle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sbl8/pal/internal/xlog"
	"github.com/sbl8/pal/layout"
)

// Errors returned by Table operations (spec §7).
var (
	ErrInvalidArgument = errors.New("handle: invalid argument")
	ErrTableFull       = errors.New("handle: table is full")
)

// Config describes a Table's fixed shape. It is set once at NewTable and
// never changes.
type Config struct {
	// Namespace tags every handle this table produces, rejecting handles
	// minted by a different table on Validate/Delete (spec §3.1).
	Namespace uint8
	// ChunkCapacity is K, the number of slots per chunk. Must be <=
	// MaxSlotsPerChunk.
	ChunkCapacity uint32
	// MaxChunkCount bounds how many chunks the table may commit. Must be <=
	// MaxChunks.
	MaxChunkCount uint32
	// Layout, if non-nil, is built with Capacity == ChunkCapacity and gives
	// every chunk a parallel-stream view alongside its dense/state arrays
	// (spec §3.3: "Optionally, per chunk, a tightly packed set of parallel
	// data streams").
	Layout *layout.Layout
	// Logger, if non-nil, receives a Warn on ErrTableFull (SPEC_FULL.md
	// AMBIENT STACK: "handle-table exhaustion is logged at debug/warn").
	// Defaults to xlog.Base().
	Logger *zerolog.Logger
}

type stateCell struct {
	live       bool
	generation uint8
	denseIndex uint32
}

type chunk struct {
	dense []Handle // [0,count) live handles; [count,K) free state indices
	state []stateCell
	count uint32
	buf   []byte
	view  *layout.View
}

// Table is a generational handle table: a chunk array of fixed-capacity
// slot blocks, each packed so live entries occupy a contiguous dense
// prefix, per spec §3.2/§4.3.
type Table struct {
	// mu guards every field below. Pool.Define/drainFreeRing (table
	// mutation) and Pool.Complete (table.Validate reads, via slotFor) run on
	// independent goroutines whenever a task is completed by a different
	// thread than its owning pool's — an external-completion callback, or a
	// thief's goroutine running a stolen task's body to completion — so
	// plain unsynchronized slice reads/writes here would race.
	mu     sync.RWMutex
	cfg    Config
	chunks []*chunk // nil entry == uncommitted
	status []bool   // Status[i]: chunk i has a free slot (or is uncommitted)
	logger zerolog.Logger
}

// NewTable constructs an empty Table per cfg. No chunks are committed until
// the first CreateIds call needs one.
func NewTable(cfg Config) (*Table, error) {
	if cfg.ChunkCapacity == 0 || cfg.ChunkCapacity > MaxSlotsPerChunk {
		return nil, fmt.Errorf("%w: ChunkCapacity must be in (0, %d]", ErrInvalidArgument, MaxSlotsPerChunk)
	}
	if cfg.MaxChunkCount == 0 || cfg.MaxChunkCount > MaxChunks {
		return nil, fmt.Errorf("%w: MaxChunkCount must be in (0, %d]", ErrInvalidArgument, MaxChunks)
	}
	if cfg.Layout != nil && cfg.Layout.Capacity() != uintptr(cfg.ChunkCapacity) {
		return nil, fmt.Errorf("%w: layout capacity must equal ChunkCapacity", ErrInvalidArgument)
	}
	logger := xlog.Base()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	t := &Table{
		cfg:    cfg,
		chunks: make([]*chunk, cfg.MaxChunkCount),
		status: make([]bool, cfg.MaxChunkCount),
		logger: logger,
	}
	for i := range t.status {
		t.status[i] = true // uncommitted chunks count as "has room"
	}
	return t, nil
}

func (t *Table) commitChunk(i uint32) *chunk {
	k := t.cfg.ChunkCapacity
	c := &chunk{
		dense: make([]Handle, k),
		state: make([]stateCell, k),
	}
	for s := uint32(0); s < k; s++ {
		c.dense[s] = Handle(s)
	}
	if t.cfg.Layout != nil {
		c.buf = make([]byte, t.cfg.Layout.TotalSize())
		v, err := layout.NewView(*t.cfg.Layout, c.buf)
		if err == nil {
			c.view = &v
		}
	}
	t.chunks[i] = c
	return c
}

// firstAvailableChunk returns the index of the first chunk with room,
// committing one on demand if none exists yet. Reports ok=false if the
// table is at MaxChunkCount and every existing chunk is full.
func (t *Table) firstAvailableChunk() (uint32, *chunk, bool) {
	for i := range t.status {
		if !t.status[i] {
			continue
		}
		c := t.chunks[i]
		if c == nil {
			c = t.commitChunk(uint32(i))
		}
		return uint32(i), c, true
	}
	return 0, nil, false
}

// CreateIds fills out with n freshly allocated, live handles (n = len(out)).
// If capacity runs out partway through, every handle allocated during this
// call is rolled back and ErrTableFull is returned, so callers never see a
// partial allocation (mirroring the arena package's all-or-nothing
// contract).
func (t *Table) CreateIds(out []Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range out {
		h, err := t.createOne()
		if err != nil {
			for _, done := range out[:i] {
				t.deleteOne(done)
			}
			return err
		}
		out[i] = h
	}
	return nil
}

func (t *Table) createOne() (Handle, error) {
	ci, c, ok := t.firstAvailableChunk()
	if !ok {
		t.logger.Warn().
			Uint8("namespace", t.cfg.Namespace).
			Uint32("max_chunk_count", t.cfg.MaxChunkCount).
			Uint32("chunk_capacity", t.cfg.ChunkCapacity).
			Msg("handle table full")
		return Nil, fmt.Errorf("%w: namespace %d", ErrTableFull, t.cfg.Namespace)
	}

	slot := uint32(c.dense[c.count])
	gen := c.state[slot].generation
	h := pack(true, t.cfg.Namespace, ci, slot, gen)

	c.dense[c.count] = h
	c.state[slot] = stateCell{live: true, generation: gen, denseIndex: c.count}
	c.count++

	if c.count == t.cfg.ChunkCapacity {
		t.status[ci] = false
	}
	return h, nil
}

// resolve validates the round-trip check of spec §3.1/§4.3 and returns the
// chunk and slot index it refers to.
func (t *Table) resolve(h Handle) (*chunk, uint32, bool) {
	if !h.IsLive() || h.Namespace() != t.cfg.Namespace {
		return nil, 0, false
	}
	ci := h.ChunkIndex()
	if ci >= uint32(len(t.chunks)) {
		return nil, 0, false
	}
	c := t.chunks[ci]
	if c == nil {
		return nil, 0, false
	}
	slot := h.SlotIndex()
	if slot >= uint32(len(c.state)) {
		return nil, 0, false
	}
	cell := c.state[slot]
	if !cell.live || cell.generation != h.Generation() {
		return nil, 0, false
	}
	if c.dense[cell.denseIndex] != h {
		return nil, 0, false
	}
	return c, slot, true
}

// DeleteIds deletes every handle in ids. Stale, cross-namespace, or
// already-deleted handles are silently skipped (spec §4.3, §7).
func (t *Table) DeleteIds(ids []Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range ids {
		t.deleteOne(h)
	}
}

func (t *Table) deleteOne(h Handle) {
	ci := h.ChunkIndex()
	c, slot, ok := t.resolve(h)
	if !ok {
		return
	}

	j := c.state[slot].denseIndex
	k := c.count - 1
	if j != k {
		c.dense[j] = c.dense[k]
		c.state[c.dense[j].SlotIndex()].denseIndex = j
	}
	c.dense[k] = Handle(slot)

	c.state[slot].live = false
	c.state[slot].generation = uint8((uint32(c.state[slot].generation) + 1) % GenerationWrap)
	c.count--
	t.status[ci] = true
}

// ValidateIds returns how many of ids pass the full round-trip check.
func (t *Table) ValidateIds(ids []Handle) int {
	n := 0
	for _, h := range ids {
		if t.Validate(h) {
			n++
		}
	}
	return n
}

// Validate reports whether a single handle is currently live and
// consistent.
func (t *Table) Validate(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, _, ok := t.resolve(h)
	return ok
}

// ResolveChunk returns the chunk index, dense index, and optional stream
// view a live handle resolves to.
func (t *Table) ResolveChunk(h Handle) (chunkIndex int, denseIndex uint32, view *layout.View, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, _, ok := t.resolve(h)
	if !ok {
		return 0, 0, nil, false
	}
	return int(h.ChunkIndex()), c.state[h.SlotIndex()].denseIndex, c.view, true
}

// VisitChunks invokes cb once per committed chunk, in index order, with the
// chunk's index, packed live count, and optional stream view. Iteration
// stops at the first error cb returns.
func (t *Table) VisitChunks(cb func(index int, count uint32, view *layout.View) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, c := range t.chunks {
		if c == nil {
			continue
		}
		if err := cb(i, c.count, c.view); err != nil {
			return err
		}
	}
	return nil
}

// Namespace returns the table's configured namespace.
func (t *Table) Namespace() uint8 {
	return t.cfg.Namespace
}

// ChunkCapacity returns K, the configured slots-per-chunk.
func (t *Table) ChunkCapacity() uint32 {
	return t.cfg.ChunkCapacity
}
