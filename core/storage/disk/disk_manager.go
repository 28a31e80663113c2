// Package disk implements the fixed-size page I/O service the buffer
// pool manager is layered over: allocate, deallocate, read, write.
package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/arvindsrinivasan/btreestore/core/storage/page"
)

// DefaultPageSize is the conventional fixed page size.
const DefaultPageSize = 4096

// MaxFilenameLength bounds the database file path, matching the
// teacher's historical limit.
const MaxFilenameLength = 255

const fileMagic uint32 = 0x6274_7244 // "btrD"

// dbFileHeaderSize is the fixed size of the on-disk file header. The
// header lives in its own reserved region at file offset 0, one
// pageSize wide but never addressed as a page.PageID — page ids start
// at 1, so ReadPage/WritePage/AllocatePage never touch this region and
// a caller reading an actual page can never see raw header bytes. It
// must stay in sync with DBFileHeader's encoded size.
const dbFileHeaderSize = 64

// DBFileHeader is the fixed-layout header persisted in the file's
// reserved header region, outside the page-addressable space.
type DBFileHeader struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	_         uint32 // padding to align the next field on 8 bytes
	NumPages  uint64
}

var (
	ErrFileExists   = fmt.Errorf("database file already exists")
	ErrFileNotFound = fmt.Errorf("database file not found")
	ErrIO           = fmt.Errorf("disk i/o error")
	ErrBadMagic     = fmt.Errorf("invalid database file magic number")
	ErrPageSize     = fmt.Errorf("database file page size does not match configured page size")
)

// Manager performs direct I/O against the database file. It knows
// nothing about page contents beyond their fixed size; the file's
// first pageSize bytes are reserved for DBFileHeader and are never
// addressed through ReadPage/WritePage.
type Manager struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	pageSize int
	numPages uint64

	log *zap.Logger
}

// Open creates a new database file when create is true, failing with
// ErrFileExists if the file is already there; otherwise it opens an
// existing file, failing with ErrFileNotFound if it is missing.
func Open(filePath string, pageSize int, create bool, log *zap.Logger) (*Manager, error) {
	if len(filePath) > MaxFilenameLength {
		return nil, fmt.Errorf("file path too long: %s", filePath)
	}
	if log == nil {
		log = zap.NewNop()
	}
	dm := &Manager{filePath: filePath, pageSize: pageSize, log: log}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
		}
		f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, filePath, err)
		}
		dm.file = f
		// Reserve one pageSize of raw space for DBFileHeader, entirely
		// outside the page-addressable space (page ids start at 1, so
		// offset 0..pageSize is never read or written as a page).
		if err := f.Truncate(int64(pageSize)); err != nil {
			dm.Close()
			os.Remove(filePath)
			return nil, fmt.Errorf("%w: reserving header region: %v", ErrIO, err)
		}
		header := DBFileHeader{Magic: fileMagic, Version: 1, PageSize: uint32(pageSize), NumPages: 0}
		if err := dm.writeHeader(&header); err != nil {
			dm.Close()
			os.Remove(filePath)
			return nil, err
		}
		dm.numPages = 0
		// Allocate the directory page (page.HeaderPageID) up front so
		// btree.Open can fetch it immediately on a brand-new file.
		id, err := dm.AllocatePage()
		if err != nil {
			dm.Close()
			os.Remove(filePath)
			return nil, err
		}
		if id != page.HeaderPageID {
			dm.Close()
			os.Remove(filePath)
			return nil, fmt.Errorf("%w: first allocated page was %d, expected header page %d", ErrIO, id, page.HeaderPageID)
		}
		log.Debug("created database file", zap.String("path", filePath), zap.Int("page_size", pageSize))
	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, filePath)
		}
		f, err := os.OpenFile(filePath, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, filePath, err)
		}
		dm.file = f
		var header DBFileHeader
		if err := dm.readHeader(&header); err != nil {
			dm.Close()
			return nil, err
		}
		if header.Magic != fileMagic {
			dm.Close()
			return nil, ErrBadMagic
		}
		if header.PageSize != uint32(pageSize) {
			dm.Close()
			return nil, fmt.Errorf("%w: file has %d, configured %d", ErrPageSize, header.PageSize, pageSize)
		}
		dm.numPages = header.NumPages
		log.Debug("opened database file", zap.String("path", filePath), zap.Uint64("num_pages", dm.numPages))
	default:
		return nil, fmt.Errorf("%w: stating %s: %v", ErrIO, filePath, statErr)
	}

	return dm, nil
}

func (dm *Manager) writeHeader(h *DBFileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("%w: encoding header: %v", ErrIO, err)
	}
	if buf.Len() > dbFileHeaderSize {
		return fmt.Errorf("header encodes to %d bytes, exceeds reserved %d", buf.Len(), dbFileHeaderSize)
	}
	padded := make([]byte, dbFileHeaderSize)
	copy(padded, buf.Bytes())
	if _, err := dm.file.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

func (dm *Manager) readHeader(h *DBFileHeader) error {
	data := make([]byte, dbFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	if n < dbFileHeaderSize {
		return fmt.Errorf("%w: file too small for header", ErrIO)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, h)
}

// persistNumPages durably records the current allocation high-water mark,
// used so a reopened file knows where to resume allocating from.
func (dm *Manager) persistNumPages() error {
	var h DBFileHeader
	if err := dm.readHeader(&h); err != nil {
		return err
	}
	h.NumPages = dm.numPages
	return dm.writeHeader(&h)
}

// ReadPage reads pageID's contents into buf, which must be exactly
// PageSize() bytes.
func (dm *Manager) ReadPage(id page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if id == page.InvalidPageID {
		return fmt.Errorf("disk: cannot read InvalidPageID")
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("buffer size %d != page size %d", len(buf), dm.pageSize)
	}
	offset := int64(id) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, id, err)
	}
	if n != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d: got %d of %d bytes", ErrIO, id, n, dm.pageSize)
	}
	return nil
}

// WritePage writes buf (exactly PageSize() bytes) to pageID's slot.
func (dm *Manager) WritePage(id page.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if id == page.InvalidPageID {
		return fmt.Errorf("disk: cannot write InvalidPageID")
	}
	if len(buf) != dm.pageSize {
		return fmt.Errorf("buffer size %d != page size %d", len(buf), dm.pageSize)
	}
	offset := int64(id) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, id, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its id. Page
// ids start at 1 (0 is InvalidPageID) so the first call on a fresh
// file always returns page.HeaderPageID.
func (dm *Manager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	id := page.PageID(dm.numPages + 1)
	empty := make([]byte, dm.pageSize)
	if _, err := dm.file.WriteAt(empty, int64(id)*int64(dm.pageSize)); err != nil {
		return page.InvalidPageID, fmt.Errorf("%w: extending file for page %d: %v", ErrIO, id, err)
	}
	dm.numPages++
	if err := dm.persistNumPages(); err != nil {
		return page.InvalidPageID, err
	}
	return id, nil
}

// DeallocatePage releases a page back to the disk service. btreestore
// does not maintain an on-disk free list (out of scope: byte layout
// beyond the abstract page service); the page's slot is simply left
// unused until the file is compacted by an external tool.
func (dm *Manager) DeallocatePage(id page.PageID) error {
	dm.log.Debug("deallocated page", zap.Uint64("page_id", uint64(id)))
	return nil
}

// PageSize returns the fixed page size this manager was opened with.
func (dm *Manager) PageSize() int { return dm.pageSize }

// Sync flushes the OS file buffers to stable storage.
func (dm *Manager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	return dm.file.Sync()
}

// Close syncs and closes the underlying file.
func (dm *Manager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.log.Warn("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
