package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arvindsrinivasan/btreestore/core/storage/buffer"
	"github.com/arvindsrinivasan/btreestore/core/storage/page"
)

// directory is the (index name -> root page id) mapping persisted in
// the header page, letting one disk file back multiple named trees.
// It mirrors BusTub's HeaderPage, generalized per an index name
// instead of a single fixed root.
type directory struct {
	roots map[string]page.PageID
}

func readDirectory(bpm *buffer.Manager) (*directory, error) {
	p, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	defer bpm.UnpinPage(page.HeaderPageID, false)

	p.RLock()
	defer p.RUnlock()

	dir := &directory{roots: make(map[string]page.PageID)}
	r := bytes.NewReader(p.Data())

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading directory entry count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("reading directory entry %d name length: %w", i, err)
		}
		nameBytes := make([]byte, nameLen)
		if _, err := r.Read(nameBytes); err != nil {
			return nil, fmt.Errorf("reading directory entry %d name: %w", i, err)
		}
		var root uint64
		if err := binary.Read(r, binary.LittleEndian, &root); err != nil {
			return nil, fmt.Errorf("reading directory entry %d root page id: %w", i, err)
		}
		dir.roots[string(nameBytes)] = page.PageID(root)
	}
	return dir, nil
}

func (d *directory) write(bpm *buffer.Manager) error {
	p, err := bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("writing directory: %w", err)
	}
	defer bpm.UnpinPage(page.HeaderPageID, true)

	p.Lock()
	defer p.Unlock()

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(d.roots))); err != nil {
		return err
	}
	for name, root := range d.roots {
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := buf.WriteString(name); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.LittleEndian, uint64(root)); err != nil {
			return err
		}
	}
	if buf.Len() > len(p.Data()) {
		return fmt.Errorf("directory outgrew header page: %d bytes", buf.Len())
	}
	out := p.Data()
	copy(out, buf.Bytes())
	for i := buf.Len(); i < len(out); i++ {
		out[i] = 0
	}
	return nil
}
