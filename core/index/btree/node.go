package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/arvindsrinivasan/btreestore/core/storage/page"
)

// pageType tags a node's encoded form so decodeNode knows which shape to
// expect.
type pageType uint8

const (
	pageTypeInternal pageType = 0
	pageTypeLeaf     pageType = 1
)

// node is the decoded, in-memory form of either a leaf or an internal
// B+ tree page. Internal nodes keep a sentinel key at index 0 (never
// compared against; it exists only so keys[i] lines up with
// children[i] for i >= 1, matching BusTub's internal page layout).
type node[K any, V any] struct {
	id     page.PageID
	isLeaf bool

	keys []K

	// leaf-only
	values   []V
	nextLeaf page.PageID

	// internal-only
	children []page.PageID
}

func newLeaf[K any, V any](id page.PageID) *node[K, V] {
	return &node[K, V]{id: id, isLeaf: true, nextLeaf: page.InvalidPageID}
}

func newInternal[K any, V any](id page.PageID, zero K) *node[K, V] {
	return &node[K, V]{id: id, isLeaf: false, keys: []K{zero}, children: []page.PageID{page.InvalidPageID}}
}

// size returns the number of entries a fullness check should compare
// against maxSize: key count for a leaf, child count for an internal
// node.
func (n *node[K, V]) size() int {
	if n.isLeaf {
		return len(n.keys)
	}
	return len(n.children)
}

func (n *node[K, V]) encode(codec Codec[K, V]) ([]byte, error) {
	buf := new(bytes.Buffer)
	typ := pageTypeInternal
	if n.isLeaf {
		typ = pageTypeLeaf
	}
	if err := buf.WriteByte(byte(typ)); err != nil {
		return nil, err
	}

	if n.isLeaf {
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(n.keys))); err != nil {
			return nil, err
		}
		for i, k := range n.keys {
			if err := codec.EncodeKey(buf, k); err != nil {
				return nil, err
			}
			if err := codec.EncodeValue(buf, n.values[i]); err != nil {
				return nil, err
			}
		}
		if err := binary.Write(buf, binary.LittleEndian, uint64(n.nextLeaf)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if err := binary.Write(buf, binary.LittleEndian, uint32(len(n.keys))); err != nil {
		return nil, err
	}
	for _, k := range n.keys {
		if err := codec.EncodeKey(buf, k); err != nil {
			return nil, err
		}
	}
	for _, c := range n.children {
		if err := binary.Write(buf, binary.LittleEndian, uint64(c)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeNode[K any, V any](id page.PageID, data []byte, codec Codec[K, V]) (*node[K, V], error) {
	r := bytes.NewReader(data)
	typByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decoding node %d: %w", id, err)
	}

	n := &node[K, V]{id: id, isLeaf: pageType(typByte) == pageTypeLeaf}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("decoding node %d: %w", id, err)
	}

	if n.isLeaf {
		n.keys = make([]K, count)
		n.values = make([]V, count)
		for i := uint32(0); i < count; i++ {
			k, err := codec.DecodeKey(r)
			if err != nil {
				return nil, fmt.Errorf("decoding node %d key %d: %w", id, i, err)
			}
			v, err := codec.DecodeValue(r)
			if err != nil {
				return nil, fmt.Errorf("decoding node %d value %d: %w", id, i, err)
			}
			n.keys[i] = k
			n.values[i] = v
		}
		var next uint64
		if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
			return nil, fmt.Errorf("decoding node %d next leaf: %w", id, err)
		}
		n.nextLeaf = page.PageID(next)
		return n, nil
	}

	n.keys = make([]K, count)
	for i := uint32(0); i < count; i++ {
		k, err := codec.DecodeKey(r)
		if err != nil {
			return nil, fmt.Errorf("decoding node %d key %d: %w", id, i, err)
		}
		n.keys[i] = k
	}
	n.children = make([]page.PageID, count)
	for i := uint32(0); i < count; i++ {
		var c uint64
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			return nil, fmt.Errorf("decoding node %d child %d: %w", id, i, err)
		}
		n.children[i] = page.PageID(c)
	}
	return n, nil
}
