package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvindsrinivasan/btreestore/core/storage/buffer"
	"github.com/arvindsrinivasan/btreestore/core/storage/disk"
)

func newTestTree(t *testing.T, leafMax, internalMax int) (*BTree[int64, int64], *buffer.Manager) {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), disk.DefaultPageSize, true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	bpm := buffer.NewManager(dm, 64, nil, nil)

	tree, err := Open[int64, int64]("test_index", bpm, Options[int64, int64]{
		Compare:         Int64Compare,
		Codec:           Int64ValueCodec[int64]{},
		LeafMaxSize:     leafMax,
		InternalMaxSize: internalMax,
	})
	require.NoError(t, err)
	return tree, bpm
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	ok, err := tree.Insert(10, 100)
	require.NoError(t, err)
	require.True(t, ok)

	val, found, err := tree.Get(10)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 100, val)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	ok, err := tree.Insert(5, 50)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(5, 999)
	require.NoError(t, err)
	require.False(t, ok)

	val, _, err := tree.Get(5)
	require.NoError(t, err)
	require.EqualValues(t, 50, val)
}

func TestInsertTriggersLeafSplit(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	for i := int64(1); i <= 10; i++ {
		ok, err := tree.Insert(i, i*10)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := int64(1); i <= 10; i++ {
		val, found, err := tree.Get(i)
		require.NoError(t, err)
		require.True(t, found, "key %d should be present", i)
		require.EqualValues(t, i*10, val)
	}
}

func TestIteratorWalksInOrderAcrossLeaves(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	inserted := []int64{5, 1, 9, 3, 7, 2, 8, 4, 6, 0}
	for _, k := range inserted {
		_, err := tree.Insert(k, k)
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)

	var seen []int64
	for !it.IsEnd() {
		seen = append(seen, it.Key())
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestDeleteRemovesKey(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	for i := int64(1); i <= 5; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	ok, err := tree.Delete(3)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := tree.Get(3)
	require.NoError(t, err)
	require.False(t, found)

	ok, err = tree.Delete(3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteTriggersMergeAndRootCollapse(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)

	const n = 40
	for i := int64(0); i < n; i++ {
		_, err := tree.Insert(i, i)
		require.NoError(t, err)
	}

	for i := int64(0); i < n-2; i++ {
		ok, err := tree.Delete(i)
		require.NoError(t, err)
		require.True(t, ok, "deleting %d should succeed", i)
	}

	for i := int64(0); i < n-2; i++ {
		_, found, err := tree.Get(i)
		require.NoError(t, err)
		require.False(t, found)
	}
	for i := int64(n - 2); i < n; i++ {
		val, found, err := tree.Get(i)
		require.NoError(t, err)
		require.True(t, found)
		require.EqualValues(t, i, val)
	}
}

func TestRootPageIDPersistsAcrossReopen(t *testing.T) {
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), disk.DefaultPageSize, true, nil)
	require.NoError(t, err)
	defer dm.Close()
	bpm := buffer.NewManager(dm, 64, nil, nil)

	tree, err := Open[int64, int64]("persisted", bpm, Options[int64, int64]{
		Compare: Int64Compare,
		Codec:   Int64ValueCodec[int64]{},
	})
	require.NoError(t, err)
	_, err = tree.Insert(1, 42)
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	reopened, err := Open[int64, int64]("persisted", bpm, Options[int64, int64]{
		Compare: Int64Compare,
		Codec:   Int64ValueCodec[int64]{},
	})
	require.NoError(t, err)
	val, found, err := reopened.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 42, val)
}
