package digest

import "sync"

// DefaultWindowSize is the number of nonce counts tracked per nonce.
const DefaultWindowSize = 100

// ReplayWindow tracks which nonce counts have been used with one nonce.
//
// A count nc is accepted only once and only while it lies in
// [count-offset, count-offset+size), where count is the number of counts
// accepted so far and offset is size/2. Clients may therefore send requests
// slightly out of order without opening the door to replays.
type ReplayWindow struct {
	mu     sync.Mutex
	seen   []bool
	offset int64
	count  int64
}

// NewReplayWindow creates a window of size slots. size <= 0 selects
// DefaultWindowSize.
func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ReplayWindow{
		seen:   make([]bool, size),
		offset: int64(size / 2),
	}
}

// Accept records nc and reports whether it was fresh.
func (w *ReplayWindow) Accept(nc int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := int64(len(w.seen))
	low := w.count - w.offset
	if nc < low || nc >= low+size {
		return false
	}

	idx := (nc + w.offset) % size
	if w.seen[idx] {
		return false
	}
	w.seen[idx] = true
	w.seen[w.count%size] = false
	w.count++
	return true
}

// Count returns the number of accepted nonce counts.
func (w *ReplayWindow) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
