package btree

import "github.com/arvindsrinivasan/btreestore/core/storage/page"

// Iterator walks a tree's leaves in key order, following next-leaf
// pointers rather than re-descending from the root. It holds the
// current leaf's latch and pin for as long as it is positioned on
// that leaf, mirroring index_iterator.cpp's page_/page_id_ fields;
// unlike the original, advancing to the next leaf acquires the next
// leaf's latch before releasing the current one, so a concurrent
// merge can never free the page this iterator's nextLeaf pointer
// names out from under it mid-hop. Call Close if the iterator is
// abandoned before IsEnd is reached.
type Iterator[K any, V any] struct {
	t        *BTree[K, V]
	pageID   page.PageID
	page     *page.Page // current leaf, RLocked and pinned; nil once released
	keys     []K
	values   []V
	pos      int
	nextLeaf page.PageID
	done     bool
	err      error
}

// releaseCurrent drops the latch and pin on the leaf the iterator is
// positioned on, if any.
func (it *Iterator[K, V]) releaseCurrent() {
	if it.page == nil {
		return
	}
	it.page.RUnlock()
	_ = it.t.bpm.UnpinPage(it.page.ID(), false)
	it.page = nil
}

// Close releases the iterator's held leaf latch and pin without
// advancing. Safe to call multiple times and after IsEnd is true.
func (it *Iterator[K, V]) Close() {
	it.releaseCurrent()
	it.done = true
}

// Begin returns an iterator positioned at the first key >= the tree's
// smallest key (i.e. at the very first entry).
func (t *BTree[K, V]) Begin() (*Iterator[K, V], error) {
	t.rootLatch.RLock()

	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator[K, V]{t: t, done: true}, nil
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
			return nil, err
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
			return nil, err
		}

		// The child is fetched and latched above before the parent
		// (or root latch) is released here, so a concurrent writer can
		// never restructure the tree out from under an in-flight descent.
		if prevPage != nil {
			prevPage.RUnlock()
			_ = t.bpm.UnpinPage(prevPage.ID(), false)
		} else if rootHeld {
			t.rootLatch.RUnlock()
			rootHeld = false
		}

		if n.isLeaf {
			it := &Iterator[K, V]{
				t: t, pageID: pageID, page: p, keys: n.keys, values: n.values,
				nextLeaf: n.nextLeaf,
			}
			if len(n.keys) == 0 {
				it.releaseCurrent()
				it.done = true
			}
			return it, nil
		}

		pageID = n.children[0]
		prevPage = p
	}
}

// Seek returns an iterator positioned at key if present, or at the
// smallest key greater than it otherwise.
func (t *BTree[K, V]) Seek(key K) (*Iterator[K, V], error) {
	val, found, err := t.lookupLeafForIterator(key)
	if err != nil {
		return nil, err
	}
	_ = found
	return val, nil
}

func (t *BTree[K, V]) lookupLeafForIterator(key K) (*Iterator[K, V], bool, error) {
	t.rootLatch.RLock()

	if t.rootPageID == page.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator[K, V]{t: t, done: true}, false, nil
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
			return nil, false, err
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
			return nil, false, err
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
			it := &Iterator[K, V]{
				t: t, pageID: pageID, page: p, keys: n.keys, values: n.values,
				nextLeaf: n.nextLeaf, pos: idx,
			}
			if idx >= len(n.keys) {
				// Every key in this leaf is smaller than key: continue at
				// the first entry of the next leaf, if there is one.
				it.pos = len(n.keys) - 1
				it.Next()
			}
			return it, found, nil
		}

		pageID = n.children[n.findChild(key, t.compare)]
		prevPage = p
	}
}

// IsEnd reports whether the iterator has exhausted the tree.
func (it *Iterator[K, V]) IsEnd() bool {
	return it.done
}

// Err returns the first error encountered while advancing, if any.
func (it *Iterator[K, V]) Err() error {
	return it.err
}

// Key returns the current entry's key. Invalid once IsEnd is true.
func (it *Iterator[K, V]) Key() K { return it.keys[it.pos] }

// Value returns the current entry's value. Invalid once IsEnd is true.
func (it *Iterator[K, V]) Value() V { return it.values[it.pos] }

// Next advances the iterator by one entry, crossing into the next
// leaf page if necessary. When crossing leaves it fetches and latches
// the next leaf before releasing the current one.
func (it *Iterator[K, V]) Next() bool {
	if it.done {
		return false
	}
	it.pos++
	if it.pos < len(it.keys) {
		return true
	}

	if it.nextLeaf == page.InvalidPageID {
		it.releaseCurrent()
		it.done = true
		return false
	}

	next, err := it.t.bpm.FetchPage(it.nextLeaf)
	if err != nil {
		it.releaseCurrent()
		it.err = err
		it.done = true
		return false
	}
	next.RLock()
	n, err := decodeNode[K, V](it.nextLeaf, next.Data(), it.t.codec)
	if err != nil {
		next.RUnlock()
		_ = it.t.bpm.UnpinPage(it.nextLeaf, false)
		it.releaseCurrent()
		it.err = err
		it.done = true
		return false
	}

	// next is fetched and latched before the current leaf is released,
	// so the recorded nextLeaf page can't be torn out by a concurrent
	// merge between the two steps.
	it.releaseCurrent()

	it.pageID = it.nextLeaf
	it.page = next
	it.keys = n.keys
	it.values = n.values
	it.nextLeaf = n.nextLeaf
	it.pos = 0
	if len(it.keys) == 0 {
		it.releaseCurrent()
		it.done = true
		return false
	}
	return true
}
