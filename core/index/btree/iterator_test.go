package btree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeekPositionsAtKeyOrNextGreater(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	for _, k := range []int64{0, 2, 4, 6, 8, 10} {
		_, err := tree.Insert(k, k*100)
		require.NoError(t, err)
	}

	it, err := tree.Seek(4)
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	require.EqualValues(t, 4, it.Key())

	it, err = tree.Seek(5)
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	require.EqualValues(t, 6, it.Key(), "seeking an absent key lands on the next greater key")

	it, err = tree.Seek(11)
	require.NoError(t, err)
	require.True(t, it.IsEnd(), "seeking past the largest key reaches the end")
}

func TestIteratorSurvivesConcurrentMutation(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	const n = 200
	for i := int64(0); i < n; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Mutate the upper half of the key range concurrently with the
	// iteration below, forcing leaf splits and merges while readers
	// are mid-walk across the leaf chain.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for i := int64(n); i < n+50; i++ {
				_, _ = tree.Insert(i, i)
			}
			for i := int64(n); i < n+50; i++ {
				_, _ = tree.Delete(i)
			}
		}
	}()

	for run := 0; run < 20; run++ {
		it, err := tree.Begin()
		require.NoError(t, err)

		var lastSeen int64 = -1
		seenLowerHalf := 0
		for !it.IsEnd() {
			k := it.Key()
			if k < n {
				require.Greater(t, k, lastSeen, "lower-half keys must still be strictly increasing")
				lastSeen = k
				seenLowerHalf++
			}
			it.Next()
		}
		require.NoError(t, it.Err())
		require.Equal(t, n, seenLowerHalf, "every never-mutated key must still be visited exactly once")
	}

	close(stop)
	wg.Wait()
}

func TestIteratorCloseReleasesLeafWithoutDraining(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	for i := int64(0); i < 10; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	it.Close()
	require.True(t, it.IsEnd())

	// The leaf's latch and pin must have been released; a fresh
	// iterator should be able to walk the whole tree afterward.
	it2, err := tree.Begin()
	require.NoError(t, err)
	count := 0
	for !it2.IsEnd() {
		count++
		it2.Next()
	}
	require.Equal(t, 10, count)
}
