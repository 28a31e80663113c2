package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arvindsrinivasan/btreestore/core/storage/disk"
	"github.com/arvindsrinivasan/btreestore/core/storage/page"
)

func newTestManager(t *testing.T, poolSize int) *Manager {
	t.Helper()
	dm, err := disk.Open(filepath.Join(t.TempDir(), "test.db"), disk.DefaultPageSize, true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return NewManager(dm, poolSize, nil, nil)
}

func TestNewPageAndFetchPageRoundTrip(t *testing.T) {
	bpm := newTestManager(t, 3)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("hello"))
	id := p.ID()
	require.NoError(t, bpm.UnpinPage(id, true))

	fetched, err := bpm.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, byte('h'), fetched.Data()[0])
	require.NoError(t, bpm.UnpinPage(id, false))
}

func TestBufferPoolFullWhenAllPinned(t *testing.T) {
	bpm := newTestManager(t, 2)

	_, err := bpm.NewPage()
	require.NoError(t, err)
	_, err = bpm.NewPage()
	require.NoError(t, err)

	_, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)
}

func TestUnpinMakesFrameEvictable(t *testing.T) {
	bpm := newTestManager(t, 1)

	p1, err := bpm.NewPage()
	require.NoError(t, err)
	id1 := p1.ID()
	require.NoError(t, bpm.UnpinPage(id1, false))

	p2, err := bpm.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, id1, p2.ID())
}

func TestDeletePinnedPageFails(t *testing.T) {
	bpm := newTestManager(t, 2)

	p, err := bpm.NewPage()
	require.NoError(t, err)

	err = bpm.DeletePage(p.ID())
	require.Error(t, err)
}

func TestFlushAllPagesPersistsDirtyPages(t *testing.T) {
	bpm := newTestManager(t, 2)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	copy(p.Data(), []byte("persisted"))
	require.NoError(t, bpm.UnpinPage(id, true))
	require.NoError(t, bpm.FlushAllPages())

	buf := make([]byte, disk.DefaultPageSize)
	require.NoError(t, bpm.disk.ReadPage(id, buf))
	require.Equal(t, []byte("persisted"), buf[:len("persisted")])
}

func TestUnpinUnknownPageReturnsNotFound(t *testing.T) {
	bpm := newTestManager(t, 1)
	err := bpm.UnpinPage(page.PageID(999), false)
	require.ErrorIs(t, err, ErrPageNotFound)
}
