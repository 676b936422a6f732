package bufferpool

import "errors"

// Sentinel errors returned by buffer pool operations.
var (
	// ErrBufferPoolFull means every frame is pinned; callers must unpin
	// something and retry.
	ErrBufferPoolFull = errors.New("buffer pool is full, all pages are pinned")
	// ErrPageNotFound means the page is not cached in this pool.
	ErrPageNotFound = errors.New("page not found in buffer pool")
	// ErrPageNotPinned means an unpin was attempted on a page whose pin
	// count is already zero.
	ErrPageNotPinned = errors.New("page is not pinned")
	// ErrPagePinned means a delete was attempted on a page that is still in
	// use.
	ErrPagePinned = errors.New("page is pinned")
)
