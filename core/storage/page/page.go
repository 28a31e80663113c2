// Package page defines the in-memory representation of a fixed-size disk
// page and the per-page latch that guards its contents.
package page

import "sync"

// PageID identifies a page on disk. Page ids are allocated starting at
// 1; id 0 is reserved for InvalidPageID so a zero value can never be
// mistaken for a real page.
type PageID uint64

// InvalidPageID means "no page" / "absent".
const InvalidPageID PageID = 0

// HeaderPageID is the index-name -> root-page-id directory page. It is
// the first page the disk manager allocates when the database file is
// created, distinct from the disk manager's own raw DBFileHeader,
// which lives outside the page-addressable space entirely (see
// disk.Manager).
const HeaderPageID PageID = 1

// LSN is a log sequence number. btreestore does not implement recovery;
// the field exists only so an external WAL/recovery subsystem can stamp
// a page the same way BusTub's Page class does.
type LSN uint64

// InvalidLSN is the zero value, meaning "never stamped."
const InvalidLSN LSN = 0

// Page is an in-memory copy of a fixed-size disk page plus the metadata
// the buffer pool needs to manage it: pin count, dirty flag, and a latch
// distinct from any buffer-pool-wide latch.
type Page struct {
	id       PageID
	data     []byte
	pinCount int32
	dirty    bool
	lsn      LSN

	latch sync.RWMutex
}

// New allocates a page frame's backing buffer. size is the fixed page
// size for the whole database file.
func New(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset clears a frame's identity and content so it can be rebound to a
// different page id. Callers must hold the buffer pool's latch and must
// not call Reset while any other goroutine can still observe the old id.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.dirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

// Data returns the page's raw buffer.
func (p *Page) Data() []byte { return p.data }

// ID returns the page's identifier.
func (p *Page) ID() PageID { return p.id }

// SetID rebinds the frame to a new page identifier.
func (p *Page) SetID(id PageID) { p.id = id }

// Dirty reports whether the page has unflushed modifications.
func (p *Page) Dirty() bool { return p.dirty }

// SetDirty marks or clears the dirty flag.
func (p *Page) SetDirty(dirty bool) { p.dirty = dirty }

// Pin increments the pin count.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. It is a no-op (not an error) at the
// type level if the count is already zero; callers (the buffer pool) are
// responsible for treating that as a caller bug.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// PinCount returns the current pin count.
func (p *Page) PinCount() int32 { return p.pinCount }

// SetPinCount forces the pin count, used when a frame is first bound to a
// page (fetch/new always start a fresh pin at 1).
func (p *Page) SetPinCount(n int32) { p.pinCount = n }

// LSN returns the page's stamped log sequence number.
func (p *Page) LSN() LSN { return p.lsn }

// SetLSN stamps the page with a log sequence number.
func (p *Page) SetLSN(lsn LSN) { p.lsn = lsn }

// RLock acquires the page's latch in shared (read) mode.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a shared latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires the page's latch in exclusive (write) mode.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases an exclusive latch.
func (p *Page) Unlock() { p.latch.Unlock() }

// TryLock attempts to acquire the exclusive latch without blocking.
func (p *Page) TryLock() bool { return p.latch.TryLock() }
