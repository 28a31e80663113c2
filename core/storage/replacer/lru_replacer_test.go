package replacer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUReplacerBasicScenario(t *testing.T) {
	r := NewLRUReplacer(7)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	r.Pin(2)
	require.Equal(t, 2, r.Size())

	victim, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), victim)

	victim, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(3), victim)

	_, ok = r.Victim()
	require.False(t, ok)
}

func TestLRUReplacerUnpinIsIdempotent(t *testing.T) {
	r := NewLRUReplacer(3)

	r.Unpin(1)
	r.Unpin(1)
	require.Equal(t, 1, r.Size())

	victim, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, FrameID(1), victim)
	require.Equal(t, 0, r.Size())
}

func TestLRUReplacerPinUnknownFrameIsNoop(t *testing.T) {
	r := NewLRUReplacer(3)
	r.Pin(99)
	require.Equal(t, 0, r.Size())
}

func TestLRUReplacerRespectsMaxPoolSize(t *testing.T) {
	r := NewLRUReplacer(2)

	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3) // pool already holds maxPoolSize evictable frames; dropped
	require.Equal(t, 2, r.Size())
}
