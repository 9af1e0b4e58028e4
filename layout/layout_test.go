package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRejectsZeroCapacity(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Stream(4)
	require.NoError(t, err)
	_, err = b.Build(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuildRejectsEmptyLayout(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder().Build(16)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStreamRejectsZeroSize(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Stream(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStreamAtIsPacked(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	s0, err := b.Stream(4) // e.g. float32 "prev"
	require.NoError(t, err)
	s1, err := b.Stream(8) // e.g. uint64 "topology"
	require.NoError(t, err)

	const k = 10
	l, err := b.Build(k)
	require.NoError(t, err)
	require.EqualValues(t, 2, l.StreamCount())
	require.EqualValues(t, k, l.Capacity())
	require.EqualValues(t, 4*k+8*k, l.TotalSize())

	buf := make([]byte, l.TotalSize())
	v, err := NewView(l, buf)
	require.NoError(t, err)

	// Stream 0 occupies the first 4*k bytes, densely packed.
	e0, err := v.StreamAt(s0, 3)
	require.NoError(t, err)
	require.Len(t, e0, 4)
	require.Equal(t, uintptr(3*4), elemOffset(t, buf, e0))

	// Stream 1 starts immediately after stream 0's whole region.
	e1, err := v.StreamAt(s1, 0)
	require.NoError(t, err)
	require.Len(t, e1, 8)
	require.Equal(t, uintptr(4*k), elemOffset(t, buf, e1))

	e1last, err := v.StreamAt(s1, k-1)
	require.NoError(t, err)
	require.Equal(t, uintptr(4*k+8*(k-1)), elemOffset(t, buf, e1last))
}

func TestStreamAtRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Stream(4)
	require.NoError(t, err)
	l, err := b.Build(4)
	require.NoError(t, err)
	v, err := NewView(l, make([]byte, l.TotalSize()))
	require.NoError(t, err)

	_, err = v.StreamAt(1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = v.StreamAt(0, 4)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewViewRejectsUndersizedBase(t *testing.T) {
	t.Parallel()
	b := NewBuilder()
	_, err := b.Stream(4)
	require.NoError(t, err)
	l, err := b.Build(4)
	require.NoError(t, err)

	_, err = NewView(l, make([]byte, 1))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHashStableAcrossEquivalentLayouts(t *testing.T) {
	t.Parallel()
	build := func() Layout {
		b := NewBuilder()
		_, _ = b.Stream(4)
		_, _ = b.Stream(8)
		l, err := b.Build(16)
		require.NoError(t, err)
		return l
	}
	a, b := build(), build()
	require.Equal(t, a.Hash(), b.Hash())

	b2 := NewBuilder()
	_, _ = b2.Stream(4)
	_, _ = b2.Stream(16)
	other, err := b2.Build(16)
	require.NoError(t, err)
	require.NotEqual(t, a.Hash(), other.Hash())
}

// elemOffset finds where slice e lives within buf by scanning buf for the
// element whose address equals that of e's first byte.
func elemOffset(t *testing.T, buf, e []byte) uintptr {
	t.Helper()
	for i := 0; i+len(e) <= len(buf); i++ {
		if len(e) > 0 && &buf[i] == &e[0] {
			return uintptr(i)
		}
	}
	t.Fatalf("slice not found within base buffer")
	return 0
}
