//go:build unix

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func platformPageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// unixBackend reserves address space with an inaccessible (PROT_NONE)
// anonymous mapping and commits pages into it by upgrading their protection
// to PROT_READ|PROT_WRITE, mirroring the reserve-then-commit split the
// upstream PAL_MemoryArena performs with VirtualAlloc(MEM_RESERVE) /
// VirtualAlloc(MEM_COMMIT) on Win32.
type unixBackend struct {
	mem []byte
}

func newBackend(reserveSize uintptr) (backend, error) {
	mem, err := unix.Mmap(-1, 0, int(reserveSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap reserve %d bytes: %w", reserveSize, err)
	}
	return &unixBackend{mem: mem}, nil
}

func (b *unixBackend) bytes() []byte {
	return b.mem
}

func (b *unixBackend) grow(newCommitted uintptr) error {
	if newCommitted == 0 {
		return nil
	}
	if err := unix.Mprotect(b.mem[:newCommitted], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect commit %d bytes: %w", newCommitted, err)
	}
	return nil
}

func (b *unixBackend) release() error {
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	b.mem = nil
	return nil
}
