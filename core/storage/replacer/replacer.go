// Package replacer selects victim frames for eviction from the buffer
// pool.
package replacer

// FrameID identifies a frame slot inside the buffer pool's frame array.
type FrameID int

// Replacer tracks which frames are currently evictable and picks a
// victim among them according to its policy. A frame becomes evictable
// when Unpin is called and stops being evictable when Pin is called.
type Replacer interface {
	// Victim selects a frame to evict, removes it from the evictable
	// set, and returns it. It reports false if no frame is evictable.
	Victim() (FrameID, bool)

	// Pin marks frame as no longer evictable (e.g. it was just fetched
	// and pinned by a caller).
	Pin(frame FrameID)

	// Unpin marks frame as evictable.
	Unpin(frame FrameID)

	// Size returns the number of currently evictable frames.
	Size() int
}
