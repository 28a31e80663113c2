// Package btree implements a disk-backed, concurrent B+ tree. Pages
// are fetched through a buffer pool manager; concurrency is achieved
// with latch crabbing: a write walks down the tree holding ancestor
// latches only until it finds a node that is provably "safe" (an
// insert or delete touching it cannot propagate a structural change
// any further up), at which point every latch above that node is
// released. Reads release ancestor latches immediately, one level at
// a time.
package btree

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arvindsrinivasan/btreestore/core/storage/buffer"
	"github.com/arvindsrinivasan/btreestore/core/storage/page"
	"github.com/arvindsrinivasan/btreestore/pkg/metrics"
)

var (
	// ErrKeyNotFound names the absent-key condition. Get and Delete
	// report a missing key through their boolean result with a nil
	// error; neither returns this value.
	ErrKeyNotFound = errors.New("btree: key not found")
	// ErrDuplicateKey names the duplicate-key condition; this tree does
	// not support duplicate keys. Insert reports a duplicate as
	// (false, nil) and does not return this value.
	ErrDuplicateKey = errors.New("btree: duplicate key")
)

const (
	defaultLeafMaxSize     = 64
	defaultInternalMaxSize = 64
)

// crumb is one entry of the write-latched ancestor stack held during
// a descent: the fetched, write-latched page and its decoded node.
type crumb[K any, V any] struct {
	pg *page.Page
	nd *node[K, V]
}

// BTree is a generic, disk-backed B+ tree index. K must be comparable
// via the supplied Compare function; V is stored by value in leaves.
type BTree[K any, V any] struct {
	name  string
	bpm   *buffer.Manager
	compare Compare[K]
	codec Codec[K, V]
	zero  K

	leafMaxSize     int
	internalMaxSize int

	rootLatch  sync.RWMutex
	rootPageID page.PageID

	log     *zap.Logger
	metrics *metrics.Metrics
}

// Options configures a tree at Open time.
type Options[K any, V any] struct {
	Compare         Compare[K]
	Codec           Codec[K, V]
	Zero            K
	LeafMaxSize     int
	InternalMaxSize int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Open attaches to the named tree stored behind bpm, creating it if
// it does not already exist in the header page's (name -> root)
// directory.
func Open[K any, V any](name string, bpm *buffer.Manager, opts Options[K, V]) (*BTree[K, V], error) {
	if opts.Compare == nil {
		return nil, errors.New("btree: Options.Compare is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("btree: Options.Codec is required")
	}
	leafMax := opts.LeafMaxSize
	if leafMax == 0 {
		leafMax = defaultLeafMaxSize
	}
	internalMax := opts.InternalMaxSize
	if internalMax == 0 {
		internalMax = defaultInternalMaxSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dir, err := readDirectory(bpm)
	if err != nil {
		return nil, fmt.Errorf("opening tree %q: %w", name, err)
	}

	t := &BTree[K, V]{
		name:            name,
		bpm:             bpm,
		compare:         opts.Compare,
		codec:           opts.Codec,
		zero:            opts.Zero,
		leafMaxSize:     leafMax,
		internalMaxSize: internalMax,
		rootPageID:      dir.roots[name],
		log:             log,
		metrics:         opts.Metrics,
	}
	if _, ok := dir.roots[name]; !ok {
		t.rootPageID = page.InvalidPageID
	}
	return t, nil
}

// IsEmpty reports whether the tree currently has no entries.
func (t *BTree[K, V]) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootPageID == page.InvalidPageID
}

func (t *BTree[K, V]) maxSizeFor(isLeaf bool) int {
	if isLeaf {
		return t.leafMaxSize
	}
	return t.internalMaxSize
}

func (t *BTree[K, V]) minSizeFor(isLeaf bool) int {
	return (t.maxSizeFor(isLeaf) + 1) / 2
}

func (t *BTree[K, V]) writeNode(p *page.Page, n *node[K, V]) error {
	encoded, err := n.encode(t.codec)
	if err != nil {
		return fmt.Errorf("encoding node %d: %w", n.id, err)
	}
	if len(encoded) > len(p.Data()) {
		return fmt.Errorf("node %d encodes to %d bytes, exceeds page size %d", n.id, len(encoded), len(p.Data()))
	}
	data := p.Data()
	copy(data, encoded)
	for i := len(encoded); i < len(data); i++ {
		data[i] = 0
	}
	p.SetDirty(true)
	return nil
}

func (t *BTree[K, V]) persistRoot() error {
	dir, err := readDirectory(t.bpm)
	if err != nil {
		return err
	}
	dir.roots[t.name] = t.rootPageID
	return dir.write(t.bpm)
}

func (t *BTree[K, V]) releaseCrumbs(cs []crumb[K, V], dirty bool) {
	for _, c := range cs {
		c.pg.Unlock()
		_ = t.bpm.UnpinPage(c.pg.ID(), dirty)
	}
}

// fetchLatched fetches and write-latches a page, decoding its node.
func (t *BTree[K, V]) fetchLatched(id page.PageID) (*page.Page, *node[K, V], error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching page %d: %w", id, err)
	}
	p.Lock()
	n, err := decodeNode[K, V](id, p.Data(), t.codec)
	if err != nil {
		p.Unlock()
		_ = t.bpm.UnpinPage(id, false)
		return nil, nil, err
	}
	return p, n, nil
}

// descendWrite walks from the root to a leaf holding write latches,
// releasing the ancestor chain above the first node that safe reports
// true for. The caller must already hold rootLatch.Lock(). It returns
// the surviving latched stack and whether rootLatch is still held.
func (t *BTree[K, V]) descendWrite(key K, safe func(n *node[K, V], isRoot bool) bool) ([]crumb[K, V], bool, error) {
	rootID := t.rootPageID
	var stack []crumb[K, V]
	rootHeld := true
	pageID := rootID

	for {
		p, n, err := t.fetchLatched(pageID)
		if err != nil {
			t.releaseCrumbs(stack, false)
			if rootHeld {
				t.rootLatch.Unlock()
			}
			return nil, false, err
		}
		stack = append(stack, crumb[K, V]{pg: p, nd: n})

		if safe(n, pageID == rootID) {
			t.releaseCrumbs(stack[:len(stack)-1], false)
			if rootHeld {
				t.rootLatch.Unlock()
				rootHeld = false
			}
			stack = stack[len(stack)-1:]
		}

		if n.isLeaf {
			return stack, rootHeld, nil
		}
		pageID = n.children[n.findChild(key, t.compare)]
	}
}

// Get looks up key, returning its value and true if present.
func (t *BTree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	t.rootLatch.RLock()
	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return zero, false, nil
	}

	rootHeld := true
	pageID := t.rootPageID
	var prevPage *page.Page

	for {
		p, err := t.bpm.FetchPage(pageID)
		if err != nil {
			if prevPage != nil {
				prevPage.RUnlock()
				_ = t.bpm.UnpinPage(prevPage.ID(), false)
			}
			if rootHeld {
				t.rootLatch.RUnlock()
			}
			return zero, false, fmt.Errorf("fetching page %d: %w", pageID, err)
		}
		p.RLock()
		n, err := decodeNode[K, V](pageID, p.Data(), t.codec)
		if err != nil {
			p.RUnlock()
			_ = t.bpm.UnpinPage(pageID, false)
			if prevPage != nil {
				prevPage.RUnlock()
				_ = t.bpm.UnpinPage(prevPage.ID(), false)
			}
			if rootHeld {
				t.rootLatch.RUnlock()
			}
			return zero, false, err
		}

		if prevPage != nil {
			prevPage.RUnlock()
			_ = t.bpm.UnpinPage(prevPage.ID(), false)
		} else if rootHeld {
			t.rootLatch.RUnlock()
			rootHeld = false
		}

		if n.isLeaf {
			idx, found := n.lookupIndex(key, t.compare)
			var val V
			if found {
				val = n.values[idx]
			}
			p.RUnlock()
			_ = t.bpm.UnpinPage(pageID, false)
			return val, found, nil
		}

		pageID = n.children[n.findChild(key, t.compare)]
		prevPage = p
	}
}

// Insert adds key/value to the tree. It returns (false, nil) if key
// is already present.
func (t *BTree[K, V]) Insert(key K, value V) (bool, error) {
	t.rootLatch.Lock()

	if t.rootPageID == page.InvalidPageID {
		id, err := t.startNewTree(key, value)
		if err != nil {
			t.rootLatch.Unlock()
			return false, err
		}
		t.rootPageID = id
		err = t.persistRoot()
		t.rootLatch.Unlock()
		return err == nil, err
	}

	stack, rootHeld, err := t.descendWrite(key, func(n *node[K, V], isRoot bool) bool {
		return n.size() < t.maxSizeFor(n.isLeaf)-1
	})
	if err != nil {
		return false, err
	}
	finish := func(dirty bool) {
		t.releaseCrumbs(stack, dirty)
		if rootHeld {
			t.rootLatch.Unlock()
		}
	}

	leafCrumb := stack[len(stack)-1]
	leaf := leafCrumb.nd
	idx, found := leaf.lookupIndex(key, t.compare)
	if found {
		finish(false)
		return false, nil
	}
	leaf.insertAt(idx, key, value)

	if leaf.size() < t.leafMaxSize {
		err := t.writeNode(leafCrumb.pg, leaf)
		finish(true)
		return err == nil, err
	}

	newLeafPage, newLeafNode, promote, err := t.splitLeaf(leaf)
	if err != nil {
		finish(false)
		return false, err
	}
	if err := t.writeNode(leafCrumb.pg, leaf); err != nil {
		_ = t.bpm.UnpinPage(newLeafPage.ID(), false)
		finish(false)
		return false, err
	}
	if err := t.writeNode(newLeafPage, newLeafNode); err != nil {
		_ = t.bpm.UnpinPage(newLeafPage.ID(), false)
		finish(true)
		return false, err
	}
	_ = t.bpm.UnpinPage(newLeafPage.ID(), true)
	t.metrics.RecordBTreeSplit()

	if err := t.propagateSplit(stack, promote, newLeafNode.id); err != nil {
		finish(true)
		return false, err
	}
	finish(true)
	return true, nil
}

func (t *BTree[K, V]) startNewTree(key K, value V) (page.PageID, error) {
	p, err := t.bpm.NewPage()
	if err != nil {
		return page.InvalidPageID, err
	}
	leaf := newLeaf[K, V](p.ID())
	leaf.keys = []K{key}
	leaf.values = []V{value}
	if err := t.writeNode(p, leaf); err != nil {
		_ = t.bpm.UnpinPage(p.ID(), false)
		return page.InvalidPageID, err
	}
	_ = t.bpm.UnpinPage(p.ID(), true)
	return p.ID(), nil
}

func (t *BTree[K, V]) splitLeaf(old *node[K, V]) (*page.Page, *node[K, V], K, error) {
	var zero K
	newPage, err := t.bpm.NewPage()
	if err != nil {
		return nil, nil, zero, err
	}
	mid := len(old.keys) / 2
	newNode := newLeaf[K, V](newPage.ID())
	newNode.keys = append([]K{}, old.keys[mid:]...)
	newNode.values = append([]V{}, old.values[mid:]...)
	newNode.nextLeaf = old.nextLeaf
	old.keys = old.keys[:mid]
	old.values = old.values[:mid]
	old.nextLeaf = newNode.id
	return newPage, newNode, newNode.keys[0], nil
}

func (t *BTree[K, V]) splitInternal(old *node[K, V]) (*page.Page, *node[K, V], K, error) {
	var zero K
	newPage, err := t.bpm.NewPage()
	if err != nil {
		return nil, nil, zero, err
	}
	mid := len(old.keys) / 2
	promote := old.keys[mid]
	newNode := &node[K, V]{id: newPage.ID(), isLeaf: false}
	newNode.keys = append([]K{}, old.keys[mid:]...)
	newNode.children = append([]page.PageID{}, old.children[mid:]...)
	newNode.keys[0] = t.zero
	old.keys = old.keys[:mid]
	old.children = old.children[:mid]
	return newPage, newNode, promote, nil
}

// propagateSplit inserts (promoteKey, newChildID) into the parent of
// stack's last-processed node, splitting ancestors as needed. If the
// split reaches the top of stack (the root), a new root is created.
func (t *BTree[K, V]) propagateSplit(stack []crumb[K, V], promoteKey K, newChildID page.PageID) error {
	for i := len(stack) - 2; i >= 0; i-- {
		parent := stack[i].nd
		parentPage := stack[i].pg
		childIdx := parent.childIndexOf(stack[i+1].nd.id)
		parent.insertChildAt(childIdx+1, promoteKey, newChildID)

		if parent.size() < t.internalMaxSize {
			return t.writeNode(parentPage, parent)
		}

		newParentPage, newParentNode, newPromote, err := t.splitInternal(parent)
		if err != nil {
			return err
		}
		if err := t.writeNode(parentPage, parent); err != nil {
			return err
		}
		if err := t.writeNode(newParentPage, newParentNode); err != nil {
			_ = t.bpm.UnpinPage(newParentPage.ID(), false)
			return err
		}
		_ = t.bpm.UnpinPage(newParentPage.ID(), true)
		t.metrics.RecordBTreeSplit()

		promoteKey = newPromote
		newChildID = newParentNode.id
	}

	// The split reached the root: grow the tree by one level.
	newRootPage, err := t.bpm.NewPage()
	if err != nil {
		return err
	}
	newRoot := newInternal[K, V](newRootPage.ID(), t.zero)
	newRoot.keys = append(newRoot.keys, promoteKey)
	newRoot.children[0] = stack[0].nd.id
	newRoot.children = append(newRoot.children, newChildID)
	if err := t.writeNode(newRootPage, newRoot); err != nil {
		_ = t.bpm.UnpinPage(newRootPage.ID(), false)
		return err
	}
	_ = t.bpm.UnpinPage(newRootPage.ID(), true)
	t.rootPageID = newRoot.id
	return t.persistRoot()
}

// Delete removes key from the tree. It returns (false, nil) if key
// was not present.
func (t *BTree[K, V]) Delete(key K) (bool, error) {
	t.rootLatch.Lock()

	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.Unlock()
		return false, nil
	}

	stack, rootHeld, err := t.descendWrite(key, func(n *node[K, V], isRoot bool) bool {
		if isRoot {
			return false
		}
		return n.size()-1 >= t.minSizeFor(n.isLeaf)
	})
	if err != nil {
		return false, err
	}
	finish := func(dirty bool) {
		t.releaseCrumbs(stack, dirty)
		if rootHeld {
			t.rootLatch.Unlock()
		}
	}

	leafCrumb := stack[len(stack)-1]
	leaf := leafCrumb.nd
	idx, found := leaf.lookupIndex(key, t.compare)
	if !found {
		finish(false)
		return false, nil
	}
	leaf.removeAt(idx)

	if rootHeld && len(stack) == 1 && leaf.size() == 0 {
		// The root leaf lost its last entry: the tree becomes empty.
		t.rootPageID = page.InvalidPageID
		err := t.persistRoot()
		finish(false)
		if err == nil {
			err = t.bpm.DeletePage(leaf.id)
		}
		return err == nil, err
	}

	if len(stack) == 1 || leaf.size() >= t.minSizeFor(true) {
		err := t.writeNode(leafCrumb.pg, leaf)
		finish(true)
		return err == nil, err
	}

	var toDelete []page.PageID
	if err := t.coalesceOrRedistribute(stack, &toDelete); err != nil {
		finish(true)
		return false, err
	}
	finish(true)
	for _, id := range toDelete {
		if err := t.bpm.DeletePage(id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// coalesceOrRedistribute resolves underflow at stack's leaf, borrowing
// from a sibling when possible and merging otherwise, cascading the
// resulting parent underflow upward as necessary. Pages that a merge or
// a root collapse makes unreachable are appended to toDelete; the
// caller deletes them once every latch and pin on the stack is released.
func (t *BTree[K, V]) coalesceOrRedistribute(stack []crumb[K, V], toDelete *[]page.PageID) error {
	for i := len(stack) - 1; i > 0; i-- {
		child := stack[i]
		parent := stack[i-1]

		childIdx := parent.nd.childIndexOf(child.nd.id)
		useLeft := childIdx > 0
		siblingIdx := childIdx + 1
		if useLeft {
			siblingIdx = childIdx - 1
		}
		siblingID := parent.nd.children[siblingIdx]

		siblingPage, siblingNode, err := t.fetchLatched(siblingID)
		if err != nil {
			return err
		}

		if siblingNode.size() > t.minSizeFor(siblingNode.isLeaf) {
			t.redistribute(child.nd, siblingNode, parent.nd, childIdx, siblingIdx, useLeft)
			if err := t.writeNode(child.pg, child.nd); err != nil {
				siblingPage.Unlock()
				_ = t.bpm.UnpinPage(siblingID, false)
				return err
			}
			if err := t.writeNode(siblingPage, siblingNode); err != nil {
				siblingPage.Unlock()
				_ = t.bpm.UnpinPage(siblingID, false)
				return err
			}
			if err := t.writeNode(parent.pg, parent.nd); err != nil {
				siblingPage.Unlock()
				_ = t.bpm.UnpinPage(siblingID, false)
				return err
			}
			siblingPage.Unlock()
			_ = t.bpm.UnpinPage(siblingID, true)
			t.metrics.RecordBTreeMerge()
			return nil
		}

		t.coalesce(child.nd, siblingNode, parent.nd, childIdx, siblingIdx, useLeft)
		removeIdx := siblingIdx
		if useLeft {
			removeIdx = childIdx
			if err := t.writeNode(siblingPage, siblingNode); err != nil {
				siblingPage.Unlock()
				_ = t.bpm.UnpinPage(siblingID, false)
				return err
			}
		} else {
			if err := t.writeNode(child.pg, child.nd); err != nil {
				siblingPage.Unlock()
				_ = t.bpm.UnpinPage(siblingID, false)
				return err
			}
		}
		siblingPage.Unlock()
		_ = t.bpm.UnpinPage(siblingID, true)

		var removedID page.PageID
		if useLeft {
			removedID = child.nd.id
		} else {
			removedID = siblingID
		}
		t.metrics.RecordBTreeMerge()
		*toDelete = append(*toDelete, removedID)
		parent.nd.removeChildAt(removeIdx)

		if i-1 == 0 {
			if !parent.nd.isLeaf && len(parent.nd.children) == 1 {
				*toDelete = append(*toDelete, parent.nd.id)
				t.rootPageID = parent.nd.children[0]
				return t.persistRoot()
			}
			return t.writeNode(parent.pg, parent.nd)
		}

		if err := t.writeNode(parent.pg, parent.nd); err != nil {
			return err
		}
		if parent.nd.size() >= t.minSizeFor(parent.nd.isLeaf) {
			return nil
		}
		// parent now underflowing; loop continues to cascade upward.
	}
	return nil
}

func (t *BTree[K, V]) redistribute(child, sibling, parent *node[K, V], childIdx, siblingIdx int, useLeft bool) {
	if child.isLeaf {
		if useLeft {
			n := len(sibling.keys)
			k, v := sibling.keys[n-1], sibling.values[n-1]
			sibling.keys = sibling.keys[:n-1]
			sibling.values = sibling.values[:n-1]
			child.keys = append([]K{k}, child.keys...)
			child.values = append([]V{v}, child.values...)
			parent.keys[childIdx] = child.keys[0]
		} else {
			k, v := sibling.keys[0], sibling.values[0]
			sibling.keys = sibling.keys[1:]
			sibling.values = sibling.values[1:]
			child.keys = append(child.keys, k)
			child.values = append(child.values, v)
			parent.keys[siblingIdx] = sibling.keys[0]
		}
		return
	}

	if useLeft {
		n := len(sibling.keys)
		borrowedChild := sibling.children[n-1]
		sepUp := sibling.keys[n-1]
		sepDown := parent.keys[childIdx]
		sibling.keys = sibling.keys[:n-1]
		sibling.children = sibling.children[:n-1]

		newKeys := make([]K, len(child.keys)+1)
		newKeys[0] = t.zero
		newKeys[1] = sepDown
		copy(newKeys[2:], child.keys[1:])
		child.keys = newKeys
		child.children = append([]page.PageID{borrowedChild}, child.children...)
		parent.keys[childIdx] = sepUp
	} else {
		borrowedChild := sibling.children[0]
		sepDown := parent.keys[siblingIdx]
		sepUp := sibling.keys[1]
		sibling.children = sibling.children[1:]
		newSiblingKeys := make([]K, len(sibling.keys)-1)
		newSiblingKeys[0] = t.zero
		copy(newSiblingKeys[1:], sibling.keys[2:])
		sibling.keys = newSiblingKeys

		child.keys = append(child.keys, sepDown)
		child.children = append(child.children, borrowedChild)
		parent.keys[siblingIdx] = sepUp
	}
}

func (t *BTree[K, V]) coalesce(child, sibling, parent *node[K, V], childIdx, siblingIdx int, useLeft bool) {
	if child.isLeaf {
		if useLeft {
			sibling.keys = append(sibling.keys, child.keys...)
			sibling.values = append(sibling.values, child.values...)
			sibling.nextLeaf = child.nextLeaf
		} else {
			child.keys = append(child.keys, sibling.keys...)
			child.values = append(child.values, sibling.values...)
			child.nextLeaf = sibling.nextLeaf
		}
		return
	}

	if useLeft {
		sepDown := parent.keys[childIdx]
		sibling.keys = append(sibling.keys, sepDown)
		sibling.keys = append(sibling.keys, child.keys[1:]...)
		sibling.children = append(sibling.children, child.children...)
	} else {
		sepDown := parent.keys[siblingIdx]
		child.keys = append(child.keys, sepDown)
		child.keys = append(child.keys, sibling.keys[1:]...)
		child.children = append(child.children, sibling.children...)
	}
}

// Close persists the current root pointer. It does not close the
// underlying buffer pool or disk manager, which may be shared with
// other trees.
func (t *BTree[K, V]) Close() error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()
	return t.persistRoot()
}
