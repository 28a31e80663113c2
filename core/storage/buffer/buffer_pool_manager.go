// Package buffer implements the buffer pool manager: the component
// that mediates all page access between callers and the disk manager,
// caching pages in fixed frames and evicting via a Replacer when the
// pool is full.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arvindsrinivasan/btreestore/core/storage/disk"
	"github.com/arvindsrinivasan/btreestore/core/storage/page"
	"github.com/arvindsrinivasan/btreestore/core/storage/replacer"
	"github.com/arvindsrinivasan/btreestore/pkg/metrics"
)

var (
	// ErrBufferPoolFull is returned when every frame is pinned and no
	// victim can be evicted.
	ErrBufferPoolFull = errors.New("buffer pool: no free frame available")
	// ErrPageNotFound is returned when a page id is not resident and
	// the caller asked only to look it up (not fetch from disk).
	ErrPageNotFound = errors.New("buffer pool: page not resident")
)

// Manager is the buffer pool manager. All methods are safe for
// concurrent use; a single mutex guards the frame table, free list,
// and replacer bookkeeping. Page contents themselves are guarded by
// each page's own latch, acquired separately by callers.
type Manager struct {
	mu sync.Mutex

	disk     *disk.Manager
	replacer replacer.Replacer

	frames    []*page.Page
	pageTable map[page.PageID]replacer.FrameID
	freeList  []replacer.FrameID

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewManager constructs a buffer pool with poolSize frames, backed by
// dm for durable storage.
func NewManager(dm *disk.Manager, poolSize int, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	frames := make([]*page.Page, poolSize)
	freeList := make([]replacer.FrameID, poolSize)
	for i := 0; i < poolSize; i++ {
		frames[i] = page.New(page.InvalidPageID, dm.PageSize())
		freeList[i] = replacer.FrameID(poolSize - 1 - i)
	}
	return &Manager{
		disk:      dm,
		replacer:  replacer.NewLRUReplacer(poolSize),
		frames:    frames,
		pageTable: make(map[page.PageID]replacer.FrameID, poolSize),
		freeList:  freeList,
		log:       log,
		metrics:   m,
	}
}

// findVictimLocked returns a frame to bind a new page into, preferring
// the free list over eviction. Caller must hold mu.
func (bpm *Manager) findVictimLocked() (replacer.FrameID, bool) {
	if n := len(bpm.freeList); n > 0 {
		frame := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return frame, true
	}
	return bpm.replacer.Victim()
}

// flushFrameLocked writes a frame's contents to disk if dirty. Caller
// must hold mu.
func (bpm *Manager) flushFrameLocked(frame replacer.FrameID) error {
	p := bpm.frames[frame]
	if !p.Dirty() || p.ID() == page.InvalidPageID {
		return nil
	}
	if err := bpm.disk.WritePage(p.ID(), p.Data()); err != nil {
		return fmt.Errorf("flushing page %d: %w", p.ID(), err)
	}
	p.SetDirty(false)
	return nil
}

// FetchPage returns the page for id, pinning it. It is loaded from
// disk if not already resident.
func (bpm *Manager) FetchPage(id page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frame, ok := bpm.pageTable[id]; ok {
		p := bpm.frames[frame]
		p.Pin()
		bpm.replacer.Pin(frame)
		bpm.recordFetch(true)
		return p, nil
	}

	frame, ok := bpm.findVictimLocked()
	if !ok {
		bpm.recordFetch(false)
		return nil, ErrBufferPoolFull
	}
	if err := bpm.evictFrameLocked(frame); err != nil {
		return nil, err
	}

	p := bpm.frames[frame]
	if err := bpm.disk.ReadPage(id, p.Data()); err != nil {
		bpm.freeList = append(bpm.freeList, frame)
		return nil, fmt.Errorf("fetching page %d: %w", id, err)
	}
	p.SetID(id)
	p.SetPinCount(1)
	p.SetDirty(false)
	bpm.pageTable[id] = frame
	bpm.recordFetch(false)
	return p, nil
}

// NewPage allocates a fresh page on disk and returns it pinned.
func (bpm *Manager) NewPage() (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.findVictimLocked()
	if !ok {
		return nil, ErrBufferPoolFull
	}
	if err := bpm.evictFrameLocked(frame); err != nil {
		return nil, err
	}

	id, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, frame)
		return nil, fmt.Errorf("allocating new page: %w", err)
	}

	p := bpm.frames[frame]
	p.Reset()
	p.SetID(id)
	p.SetPinCount(1)
	p.SetDirty(true)
	bpm.pageTable[id] = frame
	bpm.log.Debug("allocated new page", zap.Uint64("page_id", uint64(id)))
	return p, nil
}

// evictFrameLocked prepares frame for reuse: flushes it if dirty and
// removes its old page table entry. Caller must hold mu. A victim frame
// should already be unlatched (its pin count reached zero, which every
// caller only does after releasing the page's own latch), but evicting
// through TryLock rather than reusing the frame unconditionally means a
// latch-holder bug elsewhere fails loudly here instead of corrupting the
// frame out from under it.
func (bpm *Manager) evictFrameLocked(frame replacer.FrameID) error {
	p := bpm.frames[frame]
	if p.ID() == page.InvalidPageID {
		return nil
	}
	if !p.TryLock() {
		return fmt.Errorf("buffer pool: page %d still latched, refusing to evict", p.ID())
	}
	defer p.Unlock()
	if err := bpm.flushFrameLocked(frame); err != nil {
		return err
	}
	delete(bpm.pageTable, p.ID())
	if bpm.metrics != nil {
		bpm.metrics.RecordBufferPoolEviction()
	}
	return nil
}

// UnpinPage decrements id's pin count. If isDirty, the page is marked
// dirty regardless of whether it already was. Once the pin count drops
// to zero, the frame becomes a candidate for eviction. Unpinning a page
// whose pin count is already zero returns an error.
func (bpm *Manager) UnpinPage(id page.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	p := bpm.frames[frame]
	if isDirty {
		p.SetDirty(true)
	}
	if p.PinCount() == 0 {
		return fmt.Errorf("buffer pool: page %d is not pinned", id)
	}
	p.Unpin()
	if bpm.metrics != nil {
		bpm.metrics.SetBufferPoolPinned(bpm.pinnedCountLocked())
	}
	if p.PinCount() == 0 {
		bpm.replacer.Unpin(frame)
	}
	return nil
}

func (bpm *Manager) pinnedCountLocked() int {
	n := 0
	for _, frame := range bpm.pageTable {
		if bpm.frames[frame].PinCount() > 0 {
			n++
		}
	}
	return n
}

// FlushPage forces id's contents to disk, regardless of dirty state
// caching, and clears the dirty flag.
func (bpm *Manager) FlushPage(id page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[id]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, id)
	}
	p := bpm.frames[frame]
	if err := bpm.disk.WritePage(p.ID(), p.Data()); err != nil {
		return fmt.Errorf("flushing page %d: %w", id, err)
	}
	p.SetDirty(false)
	return nil
}

// FlushAllPages writes every resident dirty page to disk and clears its
// dirty flag; clean pages are not rewritten.
func (bpm *Manager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	for id := range bpm.pageTable {
		frame := bpm.pageTable[id]
		if err := bpm.flushFrameLocked(frame); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage removes id from the pool and releases its disk storage.
// It fails if the page is still pinned.
func (bpm *Manager) DeletePage(id page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frame, ok := bpm.pageTable[id]
	if !ok {
		return nil
	}
	p := bpm.frames[frame]
	if p.PinCount() > 0 {
		return fmt.Errorf("buffer pool: cannot delete pinned page %d", id)
	}
	bpm.replacer.Pin(frame) // remove from evictable set if present
	delete(bpm.pageTable, id)
	if err := bpm.disk.DeallocatePage(id); err != nil {
		return err
	}
	p.Reset()
	bpm.freeList = append(bpm.freeList, frame)
	return nil
}

func (bpm *Manager) recordFetch(hit bool) {
	if bpm.metrics == nil {
		return
	}
	bpm.metrics.RecordBufferPoolFetch(hit)
}
