package btree

import "github.com/arvindsrinivasan/btreestore/core/storage/page"

// lookupIndex returns the position key occupies (or would occupy) in
// a leaf's sorted key slice, and whether it is actually present.
func (n *node[K, V]) lookupIndex(key K, compare Compare[K]) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if compare(n.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.keys) && compare(n.keys[lo], key) == 0 {
		return lo, true
	}
	return lo, false
}

// insertAt inserts a key/value pair into a leaf at position idx,
// shifting later entries right.
func (n *node[K, V]) insertAt(idx int, key K, value V) {
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:len(n.keys)-1])
	n.keys[idx] = key

	n.values = append(n.values, value)
	copy(n.values[idx+1:], n.values[idx:len(n.values)-1])
	n.values[idx] = value
}

// removeAt deletes the entry at idx from a leaf, shifting later
// entries left.
func (n *node[K, V]) removeAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
}

// findChild returns the index of the child subtree that key falls
// into. keys[0] is a sentinel, so the search starts at index 1:
// children[i] is reachable once key >= keys[i], for the largest such i.
func (n *node[K, V]) findChild(key K, compare Compare[K]) int {
	idx := 0
	for i := 1; i < len(n.keys); i++ {
		if compare(key, n.keys[i]) >= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// childIndexOf returns the index of a child page id in an internal
// node's children slice, or -1 if absent.
func (n *node[K, V]) childIndexOf(id page.PageID) int {
	for i, c := range n.children {
		if c == id {
			return i
		}
	}
	return -1
}

// insertChildAt inserts a (key, child) pair at position idx, shifting
// later entries right. idx must be >= 1 (index 0 is the sentinel).
func (n *node[K, V]) insertChildAt(idx int, key K, child page.PageID) {
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:len(n.keys)-1])
	n.keys[idx] = key

	n.children = append(n.children, child)
	copy(n.children[idx+1:], n.children[idx:len(n.children)-1])
	n.children[idx] = child
}

// removeChildAt removes the entry at idx from an internal node. idx
// must be >= 1.
func (n *node[K, V]) removeChildAt(idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx], n.children[idx+1:]...)
}
