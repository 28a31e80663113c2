package transaction

import "github.com/arvindsrinivasan/btreestore/core/storage/page"

// RID (record id) identifies the row a lock is taken on: the page it
// lives in plus its slot within that page.
type RID struct {
	PageID page.PageID
	Slot   uint32
}
