// Package rng provides the small seeded PRNG used for work-stealing victim
// selection (spec §9, "PRNG for steal victim selection"). It is not
// cryptographic; it only needs to decorrelate steal order across workers
// sharing the same clock tick.
package rng

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// SeedSize is the number of seed bytes a caller may supply via
// worker.Init.PRNGSeedBytes (spec §6, "prngSeedBytes").
const SeedSize = 16

// Source is a xorshift128+ generator: small, allocation-free, fast enough to
// call once per steal attempt without becoming the bottleneck it is meant to
// avoid creating.
type Source struct {
	s0, s1 uint64
}

// New builds a Source from caller-supplied seed bytes. A seed shorter than
// SeedSize has its remaining bytes filled from the nanosecond clock. If seed
// is empty, the clock is not used: the state comes from the 16 bytes of a
// random UUIDv4 (uuid.New).
func New(seed []byte) *Source {
	var b [SeedSize]byte
	switch {
	case len(seed) >= SeedSize:
		copy(b[:], seed[:SeedSize])
	case len(seed) > 0:
		copy(b[:], seed)
		fillFromClock(b[len(seed):])
	default:
		id := uuid.New()
		copy(b[:], id[:SeedSize])
	}
	s0 := binary.LittleEndian.Uint64(b[0:8])
	s1 := binary.LittleEndian.Uint64(b[8:16])
	if s0 == 0 && s1 == 0 {
		s1 = 1 // xorshift128+ cannot recover from an all-zero state
	}
	return &Source{s0: s0, s1: s1}
}

func fillFromClock(dst []byte) {
	n := uint64(time.Now().UnixNano())
	for i := range dst {
		dst[i] = byte(n >> (8 * (uint(i) % 8)))
		n = n*6364136223846793005 + 1442695040888963407
	}
}

// Next returns the next pseudo-random 64-bit value.
func (s *Source) Next() uint64 {
	x := s.s0
	y := s.s1
	s.s0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	s.s1 = x
	return x + y
}

// Intn returns a pseudo-random value in [0, n). Panics if n <= 0.
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("rng: Intn called with n <= 0")
	}
	return int(s.Next() % uint64(n))
}

// StealOrder returns a permutation of [0, n) to probe for steal victims,
// excluding self (spec §9: "Victim selection must avoid always starting at
// the owner's own pool"). The permutation always starts at an index != self
// when n > 1.
func (s *Source) StealOrder(n, self int) []int {
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i != self {
			order = append(order, i)
		}
	}
	// Fisher-Yates shuffle of the non-self indices.
	for i := len(order) - 1; i > 0; i-- {
		j := s.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}
