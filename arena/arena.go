// Package arena implements the reserve/commit virtual-memory discipline
// described in spec §4.1 (component C1): reserve a large contiguous range up
// front, commit pages into it incrementally as the bump allocator advances,
// and never move or reallocate a pointer once handed out.
//
// Two backends exist, selected at compile time:
//   - arena_unix.go (build tag "unix"): a real mmap(PROT_NONE) reservation
//     with mprotect-based incremental commit, matching the teacher repo's
//     own preference for doing memory layout "for real" rather than
//     simulating it (sbl8-sublation/runtime/arena.go lays out byte regions
//     directly; this package reserves and commits the backing pages the
//     same way the upstream PAL_MemoryArena implementation would).
//   - arena_fallback.go (everything else): the whole reservation is made as
//     one Go byte slice up front (Go slices never move once escaped to the
//     heap), and "commit" is tracked only as an accounting high-water mark,
//     per spec §9's note that implementations without reserve/commit access
//     must simulate it while still preserving the no-move invariant.
package arena

import (
	"errors"
	"fmt"
	"sync"
)

// Errors returned by arena operations (spec §7).
var (
	// ErrInvalidArgument is returned for malformed Create/Allocate inputs.
	ErrInvalidArgument = errors.New("arena: invalid argument")
	// ErrOutOfReserve is returned when Allocate would need to grow the
	// committed region past the original reservation.
	ErrOutOfReserve = errors.New("arena: allocation exceeds reserved range")
	// ErrOsError wraps an underlying OS mmap/mprotect failure.
	ErrOsError = errors.New("arena: OS memory call failed")
)

// pageSize is the platform's page size, used to round commit growth up to a
// whole number of pages (spec §4.1: "commit additional pages (rounded up to
// OS page size)").
var pageSize = platformPageSize()

// Arena is a bump allocator over a reserved, incrementally committed virtual
// memory range. All allocations are monotonic and addresses are stable for
// the arena's lifetime; Reset rewinds the bump pointer without releasing
// committed memory, and Delete releases the whole reservation.
type Arena struct {
	mu          sync.Mutex
	backend     backend
	reserveSize uintptr
	committed   uintptr
	bumpPos     uintptr
	deleted     bool
}

// backend abstracts the platform-specific reserve/commit/release calls.
type backend interface {
	// bytes returns a byte slice view over the entire reservation. Only the
	// [0, committed) prefix is safe to touch.
	bytes() []byte
	// grow commits additional memory so that at least newCommitted bytes
	// (from the start of the reservation) are committed.
	grow(newCommitted uintptr) error
	// release decommits and unmaps the whole reservation.
	release() error
}

// Create reserves a contiguous virtual range of reserveSize bytes and
// commits the first initialCommit bytes, per spec §4.1. reserveSize must be
// > 0; initialCommit must be <= reserveSize.
func Create(reserveSize, initialCommit uintptr) (*Arena, error) {
	if reserveSize == 0 {
		return nil, fmt.Errorf("%w: reserveSize must be > 0", ErrInvalidArgument)
	}
	if initialCommit > reserveSize {
		return nil, fmt.Errorf("%w: initialCommit %d exceeds reserveSize %d", ErrInvalidArgument, initialCommit, reserveSize)
	}

	b, err := newBackend(reserveSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOsError, err)
	}

	a := &Arena{backend: b, reserveSize: reserveSize}
	if initialCommit > 0 {
		if err := b.grow(initialCommit); err != nil {
			_ = b.release()
			return nil, fmt.Errorf("%w: %v", ErrOsError, err)
		}
		a.committed = initialCommit
	}
	return a, nil
}

// alignUp rounds v up to the next multiple of align, which must be a power
// of two (spec §4.1: "Alignment must be a power of two").
func alignUp(v, align uintptr) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidArgument, align)
	}
	return (v + align - 1) &^ (align - 1), nil
}

func roundUpPage(v uintptr) uintptr {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

// Allocate bumps the arena forward by size bytes, aligned to align, and
// returns a slice view over the new region. If the aligned bump pointer
// plus size exceeds the committed region, additional whole pages are
// committed first (never partially, and never beyond the original
// reservation, at which point ErrOutOfReserve is returned). Failure never
// returns a partial allocation (spec §4.1).
func (a *Arena) Allocate(size, align uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: size must be > 0", ErrInvalidArgument)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.deleted {
		return nil, fmt.Errorf("%w: arena has been deleted", ErrInvalidArgument)
	}

	aligned, err := alignUp(a.bumpPos, align)
	if err != nil {
		return nil, err
	}
	end := aligned + size
	if end > a.reserveSize {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, reserve is %d", ErrOutOfReserve, size, aligned, a.reserveSize)
	}

	if end > a.committed {
		newCommitted := roundUpPage(end)
		if newCommitted > a.reserveSize {
			newCommitted = a.reserveSize
		}
		if err := a.backend.grow(newCommitted); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOsError, err)
		}
		a.committed = newCommitted
	}

	a.bumpPos = end
	return a.backend.bytes()[aligned:end:end], nil
}

// Reset restores the bump pointer to the base of the arena without
// decommitting any pages, so a subsequent burst of allocations can reuse
// already-committed memory (spec §4.1: "Reset — restore bump pointer; do
// not decommit").
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bumpPos = 0
}

// Delete decommits and releases the entire reservation. The Arena must not
// be used afterwards.
func (a *Arena) Delete() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleted {
		return nil
	}
	a.deleted = true
	if err := a.backend.release(); err != nil {
		return fmt.Errorf("%w: %v", ErrOsError, err)
	}
	return nil
}

// ReserveSize returns the total reserved range in bytes.
func (a *Arena) ReserveSize() uintptr {
	return a.reserveSize
}

// CommittedSize returns the number of bytes currently committed.
func (a *Arena) CommittedSize() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// UsedSize returns the current bump pointer offset, i.e. bytes handed out
// since the last Reset.
func (a *Arena) UsedSize() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bumpPos
}
