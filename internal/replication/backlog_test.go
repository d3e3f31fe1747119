package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendThenSliceFromStart(t *testing.T) {
	b := NewBacklog(16)
	b.Append([]byte("hello"))

	data, ok := b.SliceFrom(0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, int64(0), b.StartOffset())
	require.Equal(t, int64(5), b.CurrentOffset())
}

func TestSliceFromMidOffset(t *testing.T) {
	b := NewBacklog(16)
	b.Append([]byte("hello"))
	b.Append([]byte("world"))

	data, ok := b.SliceFrom(5)
	require.True(t, ok)
	require.Equal(t, []byte("world"), data)
}

func TestSliceFromFutureOffsetIsOutOfRange(t *testing.T) {
	b := NewBacklog(16)
	b.Append([]byte("hello"))

	_, ok := b.SliceFrom(100)
	require.False(t, ok)
}

func TestSliceFromStaleOffsetIsOutOfRange(t *testing.T) {
	b := NewBacklog(4)
	b.Append([]byte("abcdefgh")) // exceeds capacity, drops the oldest 4 bytes

	require.Equal(t, int64(4), b.StartOffset())
	_, ok := b.SliceFrom(0)
	require.False(t, ok)

	data, ok := b.SliceFrom(4)
	require.True(t, ok)
	require.Equal(t, []byte("efgh"), data)
}

func TestAppendWrapsAroundRingCorrectly(t *testing.T) {
	b := NewBacklog(4)
	b.Append([]byte("ab"))
	b.Append([]byte("cd"))
	b.Append([]byte("ef")) // wraps: buffer now holds "cdef" logically at offset 2..6

	data, ok := b.SliceFrom(2)
	require.True(t, ok)
	require.Equal(t, []byte("cdef"), data)
}

func TestCurrentOffsetAtEmptyBacklogIsZero(t *testing.T) {
	b := NewBacklog(8)
	require.Equal(t, int64(0), b.CurrentOffset())
	data, ok := b.SliceFrom(0)
	require.True(t, ok)
	require.Empty(t, data)
}
