package bufferpool

import (
	"container/list"
	"sync"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
)

// LRUReplacer tracks the frames that are eligible for eviction, most
// recently unpinned at the front. All operations are O(1) and internally
// synchronized.
type LRUReplacer struct {
	numFrames int
	lst       *list.List // of pagemanager.FrameID
	index     map[pagemanager.FrameID]*list.Element
	mu        sync.Mutex
}

// NewLRUReplacer creates a replacer that will hold at most numFrames frames.
func NewLRUReplacer(numFrames int) *LRUReplacer {
	return &LRUReplacer{
		numFrames: numFrames,
		lst:       list.New(),
		index:     make(map[pagemanager.FrameID]*list.Element, numFrames),
	}
}

// Victim removes and returns the least recently unpinned frame. It returns
// (InvalidFrameID, false) when no frame is evictable.
func (r *LRUReplacer) Victim() (pagemanager.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	back := r.lst.Back()
	if back == nil {
		return pagemanager.InvalidFrameID, false
	}
	frameID := back.Value.(pagemanager.FrameID)
	r.lst.Remove(back)
	delete(r.index, frameID)
	return frameID, true
}

// Pin removes the frame from the victim set. Pinned frames must not be
// evicted.
func (r *LRUReplacer) Pin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if elem, ok := r.index[frameID]; ok {
		r.lst.Remove(elem)
		delete(r.index, frameID)
	}
}

// Unpin adds the frame to the front of the victim set. If the replacer is at
// capacity the tail is evicted first.
func (r *LRUReplacer) Unpin(frameID pagemanager.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[frameID]; ok {
		return
	}
	if r.lst.Len() == r.numFrames {
		back := r.lst.Back()
		delete(r.index, back.Value.(pagemanager.FrameID))
		r.lst.Remove(back)
	}
	r.index[frameID] = r.lst.PushFront(frameID)
}

// Size reports how many frames are currently evictable.
func (r *LRUReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lst.Len()
}
