// Package layout implements the tightly packed parallel-stream memory model
// from spec §3.3/§4.2 (component C2): a Layout is an ordered list of element
// sizes ("streams"), and a View over a chunk resolves (stream, dense index)
// to a byte offset with a single multiply-add, giving struct-of-arrays
// storage within one chunk so that dense index j across every stream names
// one logical object.
//
// This generalizes the teacher's core.AlignSize/core.SublateSize arithmetic
// (sbl8-sublation/core/layout.go), which computes a single struct's aligned
// footprint, into a reusable multi-stream layout builder.
package layout

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// ErrInvalidArgument mirrors the arena package's sentinel for malformed
// builder/view inputs (spec §7).
var ErrInvalidArgument = errors.New("layout: invalid argument")

// Builder accumulates stream element sizes before Build freezes them into an
// immutable Layout.
type Builder struct {
	sizes []uintptr
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Stream appends a new stream of the given per-element size (in bytes) and
// returns its index. Size must be > 0.
func (b *Builder) Stream(size uintptr) (int, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: stream size must be > 0", ErrInvalidArgument)
	}
	b.sizes = append(b.sizes, size)
	return len(b.sizes) - 1, nil
}

// Build freezes the accumulated streams into a Layout sized for capacity
// elements per stream (the chunk's K). Layouts are immutable and may be
// shared across Views with differing bases.
func (b *Builder) Build(capacity uintptr) (Layout, error) {
	if capacity == 0 {
		return Layout{}, fmt.Errorf("%w: capacity must be > 0", ErrInvalidArgument)
	}
	if len(b.sizes) == 0 {
		return Layout{}, fmt.Errorf("%w: layout has no streams", ErrInvalidArgument)
	}

	sizes := append([]uintptr(nil), b.sizes...)
	offsets := make([]uintptr, len(sizes))
	var running uintptr
	for i, sz := range sizes {
		offsets[i] = running
		running += sz * capacity
	}

	return Layout{
		sizes:    sizes,
		offsets:  offsets,
		capacity: capacity,
		total:    running,
	}, nil
}

// Layout is an immutable description of how streams are packed within a
// chunk of Capacity() elements. Two Layouts built with identical stream
// sizes and capacity compare equal via Hash, allowing callers to cache
// per-layout metadata (spec §4.2: "Layouts are immutable once built and may
// be hashed for equality").
type Layout struct {
	sizes    []uintptr
	offsets  []uintptr
	capacity uintptr
	total    uintptr
}

// StreamCount returns the number of streams in the layout.
func (l Layout) StreamCount() int {
	return len(l.sizes)
}

// Capacity returns the number of elements (K) each stream holds.
func (l Layout) Capacity() uintptr {
	return l.capacity
}

// TotalSize returns the total byte size spanned by the layout across all
// streams, for one chunk.
func (l Layout) TotalSize() uintptr {
	return l.total
}

// ElementSize returns the per-element size of stream s.
func (l Layout) ElementSize(s int) uintptr {
	return l.sizes[s]
}

// Hash returns a stable hash of the layout's shape (stream sizes and
// capacity), suitable for equality caching across Layout values.
func (l Layout) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(v uintptr) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	write(l.capacity)
	for _, sz := range l.sizes {
		write(sz)
	}
	return h.Sum64()
}

// View binds a Layout to a concrete backing buffer, resolving
// (stream, dense index) pairs into byte ranges.
type View struct {
	layout Layout
	base   []byte
}

// NewView binds layout to base. base must be at least layout.TotalSize()
// bytes.
func NewView(l Layout, base []byte) (View, error) {
	if uintptr(len(base)) < l.total {
		return View{}, fmt.Errorf("%w: base has %d bytes, layout needs %d", ErrInvalidArgument, len(base), l.total)
	}
	return View{layout: l, base: base}, nil
}

// Layout returns the view's underlying Layout.
func (v View) Layout() Layout {
	return v.layout
}

// StreamAt resolves (stream s, dense index i) to a byte slice of the
// stream's element size, via base + sum(size[0..s])*K + size[s]*i — a single
// multiply-add per spec §4.2.
func (v View) StreamAt(s int, i uintptr) ([]byte, error) {
	if s < 0 || s >= len(v.layout.sizes) {
		return nil, fmt.Errorf("%w: stream %d out of range", ErrInvalidArgument, s)
	}
	if i >= v.layout.capacity {
		return nil, fmt.Errorf("%w: index %d out of range for capacity %d", ErrInvalidArgument, i, v.layout.capacity)
	}
	elemSize := v.layout.sizes[s]
	off := v.layout.offsets[s] + elemSize*i
	return v.base[off : off+elemSize : off+elemSize], nil
}
