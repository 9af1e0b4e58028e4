package handle

import (
	"testing"

	"github.com/sbl8/pal/layout"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, k, maxChunks uint32) *Table {
	t.Helper()
	tbl, err := NewTable(Config{Namespace: 7, ChunkCapacity: k, MaxChunkCount: maxChunks})
	require.NoError(t, err)
	return tbl
}

func TestNewTableRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := NewTable(Config{Namespace: 1, ChunkCapacity: 0, MaxChunkCount: 1})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewTable(Config{Namespace: 1, ChunkCapacity: 4, MaxChunkCount: 0})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

// H1: a live handle validates true until deleted, then false forever after.
func TestH1ValidateUntilDelete(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 16, 1)
	out := make([]Handle, 1)
	require.NoError(t, tbl.CreateIds(out))
	h := out[0]

	require.True(t, tbl.Validate(h))
	tbl.DeleteIds([]Handle{h})
	require.False(t, tbl.Validate(h))
	// Repeated delete is a silent no-op.
	tbl.DeleteIds([]Handle{h})
	require.False(t, tbl.Validate(h))
}

// H2: deleting then re-allocating the same slot increments generation mod
// 2^G.
func TestH2GenerationMonotonic(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 1, 1) // single-slot chunk forces immediate reuse
	out := make([]Handle, 1)
	require.NoError(t, tbl.CreateIds(out))
	first := out[0]
	require.EqualValues(t, 0, first.Generation())

	tbl.DeleteIds([]Handle{first})
	require.NoError(t, tbl.CreateIds(out))
	second := out[0]

	require.Equal(t, first.ChunkIndex(), second.ChunkIndex())
	require.Equal(t, first.SlotIndex(), second.SlotIndex())
	require.EqualValues(t, (uint32(first.Generation())+1)%GenerationWrap, uint32(second.Generation()))
}

// H3: round-trip — state[denseIndex] resolves back to the handle itself.
func TestH3RoundTrip(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 8, 1)
	out := make([]Handle, 5)
	require.NoError(t, tbl.CreateIds(out))

	for _, h := range out {
		_, denseIdx, _, ok := tbl.ResolveChunk(h)
		require.True(t, ok)
		c := tbl.chunks[h.ChunkIndex()]
		require.Equal(t, h, c.dense[denseIdx])
	}
}

func TestDeletePacksDenseArray(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 8, 1)
	out := make([]Handle, 4)
	require.NoError(t, tbl.CreateIds(out))

	// Delete the second-created handle; the rest must still validate and
	// the chunk's live count must shrink by exactly one.
	tbl.DeleteIds([]Handle{out[1]})
	require.False(t, tbl.Validate(out[1]))
	for i, h := range out {
		if i == 1 {
			continue
		}
		require.True(t, tbl.Validate(h))
	}

	c := tbl.chunks[out[0].ChunkIndex()]
	require.EqualValues(t, 3, c.count)
}

// Scenario 6 (spec §8): deleting an already-deleted handle is a no-op, and
// the chunk's live count does not change on the second call.
func TestDoubleDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 8, 1)
	out := make([]Handle, 1)
	require.NoError(t, tbl.CreateIds(out))
	h := out[0]

	tbl.DeleteIds([]Handle{h})
	require.False(t, tbl.Validate(h))
	c := tbl.chunks[h.ChunkIndex()]
	countAfterFirst := c.count

	tbl.DeleteIds([]Handle{h})
	require.False(t, tbl.Validate(h))
	require.Equal(t, countAfterFirst, c.count)
}

func TestCreateIdsFailsClosedOnTableFull(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 2, 1) // total capacity: 2
	out := make([]Handle, 3)
	err := tbl.CreateIds(out)
	require.ErrorIs(t, err, ErrTableFull)

	// The call must not have leaked any partial allocation: the table
	// should still have 2 free slots available afterwards.
	retry := make([]Handle, 2)
	require.NoError(t, tbl.CreateIds(retry))
}

func TestValidateIdsCountsOnlyLive(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 8, 1)
	out := make([]Handle, 4)
	require.NoError(t, tbl.CreateIds(out))
	tbl.DeleteIds(out[:2])

	require.Equal(t, 2, tbl.ValidateIds(out))
}

func TestCrossNamespaceHandleIsInvalid(t *testing.T) {
	t.Parallel()
	a := newTestTable(t, 8, 1)
	b, err := NewTable(Config{Namespace: 8, ChunkCapacity: 8, MaxChunkCount: 1})
	require.NoError(t, err)

	out := make([]Handle, 1)
	require.NoError(t, a.CreateIds(out))
	require.False(t, b.Validate(out[0]))
	// Deleting via the wrong table is a silent no-op.
	b.DeleteIds(out)
	require.True(t, a.Validate(out[0]))
}

// Scenario 5 from spec §8: allocate K=1024 handles in one chunk, delete all,
// re-allocate 1024. Old handles must all be invalid, new ones valid, with
// generations advanced by exactly one.
func TestHandleReuseAfterFullChurn(t *testing.T) {
	t.Parallel()
	const k = 1024
	tbl := newTestTable(t, k, 1)

	first := make([]Handle, k)
	require.NoError(t, tbl.CreateIds(first))

	tbl.DeleteIds(first)
	for _, h := range first {
		require.False(t, tbl.Validate(h))
	}

	second := make([]Handle, k)
	require.NoError(t, tbl.CreateIds(second))
	for _, h := range second {
		require.True(t, tbl.Validate(h))
	}

	bySlot := make(map[uint32]Handle, k)
	for _, h := range first {
		bySlot[h.SlotIndex()] = h
	}
	for _, h := range second {
		old, ok := bySlot[h.SlotIndex()]
		require.True(t, ok)
		require.EqualValues(t, (uint32(old.Generation())+1)%GenerationWrap, uint32(h.Generation()))
	}
}

func TestVisitChunksCoversOnlyCommitted(t *testing.T) {
	t.Parallel()
	tbl := newTestTable(t, 4, 4)
	out := make([]Handle, 4)
	require.NoError(t, tbl.CreateIds(out))

	visited := 0
	require.NoError(t, tbl.VisitChunks(func(index int, count uint32, view *layout.View) error {
		visited++
		require.EqualValues(t, 4, count)
		return nil
	}))
	require.Equal(t, 1, visited)
}
