package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvindsrinivasan/btreestore/core/storage/page"
)

func TestOpenCreatesFileWithHeaderPageReserved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	defer dm.Close()

	require.EqualValues(t, 1, dm.numPages)
}

func TestOpenExistingRejectsCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	_, err = Open(path, DefaultPageSize, true, nil)
	require.ErrorIs(t, err, ErrFileExists)
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, DefaultPageSize, false, nil)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	defer dm.Close()

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, page.InvalidPageID, id)

	out := make([]byte, DefaultPageSize)
	copy(out, []byte("payload"))
	require.NoError(t, dm.WritePage(id, out))

	in := make([]byte, DefaultPageSize)
	require.NoError(t, dm.ReadPage(id, in))
	require.Equal(t, out, in)
}

func TestReopenPreservesAllocationWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	id1, err := dm.AllocatePage()
	require.NoError(t, err)
	id2, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	reopened, err := Open(path, DefaultPageSize, false, nil)
	require.NoError(t, err)
	defer reopened.Close()

	id3, err := reopened.AllocatePage()
	require.NoError(t, err)
	require.Greater(t, uint64(id3), uint64(id2))
	require.Greater(t, uint64(id2), uint64(id1))
}

func TestHeaderPageIsFullyReadableImmediatelyAfterCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	defer dm.Close()

	buf := make([]byte, DefaultPageSize)
	require.NoError(t, dm.ReadPage(page.HeaderPageID, buf))
}

func TestOpenRejectsMismatchedPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, err := Open(path, DefaultPageSize, true, nil)
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	_, err = Open(path, 8192, false, nil)
	require.ErrorIs(t, err, ErrPageSize)
}
