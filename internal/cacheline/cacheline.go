// Package cacheline provides the cache-line-size padding helper used to
// keep independently-written hot counters on separate cache lines (spec
// §3.6: "Counters (SlotAlloc{Next,Count}, SlotFree, PermitAlloc…,
// ReadyPublicPos, ReadyPrivatePos, etc.) are placed on separate cache lines
// to avoid false sharing").
package cacheline

// Size is the assumed cache line size in bytes. Most current x86-64 and
// arm64 parts use 64; a mismatch costs performance, not correctness.
const Size = 64

// Pad is placed after a hot, frequently-written field to push whatever
// follows it in the struct onto the next cache line. Its size is Size minus
// one machine word, which is exact for the common case of padding after a
// single 8-byte atomic field and merely conservative (extra, harmless
// padding) for anything smaller.
type Pad [Size - 8]byte
