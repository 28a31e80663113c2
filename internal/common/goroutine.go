// Package common holds small helpers shared across btreestore's
// packages that don't belong to any one subsystem.
package common

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID extracts the calling goroutine's id by parsing the header line
// of runtime.Stack. It is for diagnostic logging only; nothing in
// btreestore's control flow depends on a particular goroutine's id.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
