// Package exthash implements a persistent extendible hash table. The
// directory and every bucket are pages obtained through the buffer pool; the
// directory grows by doubling when a full bucket's local depth reaches the
// global depth and shrinks back as merges drain it.
package exthash

import (
	"fmt"
	"sync"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// BufferPool is the page access the hash table needs. Both
// bufferpool.BufferPoolInstance and bufferpool.ParallelBufferPool satisfy it.
type BufferPool interface {
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	NewPage() (*pagemanager.Page, pagemanager.PageID, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	DeletePage(pageID pagemanager.PageID) error
}

// ExtendibleHashTable maps keys to values on disk. Every fetch is paired
// with exactly one unpin on every exit path; a single table latch gates the
// whole index, read-held for lookups and write-held for any path that may
// mutate a page.
type ExtendibleHashTable[K comparable, V comparable] struct {
	pool            BufferPool
	directoryPageID pagemanager.PageID
	ser             KeyValueSerializer[K, V]
	cmp             Compare[K]
	hash            HashFunc[K]

	tableLatch sync.RWMutex
	logger     *zap.Logger
}

// NewExtendibleHashTable creates an empty table: a directory of global depth
// zero whose single slot points at one empty bucket.
func NewExtendibleHashTable[K comparable, V comparable](pool BufferPool, ser KeyValueSerializer[K, V], cmp Compare[K], hash HashFunc[K], logger *zap.Logger) (*ExtendibleHashTable[K, V], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dirPage, dirPageID, err := pool.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate directory page: %w", err)
	}
	_, bucketPageID, err := pool.NewPage()
	if err != nil {
		_ = pool.UnpinPage(dirPageID, false)
		_ = pool.DeletePage(dirPageID)
		return nil, fmt.Errorf("failed to allocate first bucket page: %w", err)
	}

	dir := NewDirectoryPage(dirPage)
	dir.SetGlobalDepth(0)
	dir.SetBucketPageID(0, bucketPageID)
	dir.SetLocalDepth(0, 0)

	if err := pool.UnpinPage(dirPageID, true); err != nil {
		return nil, err
	}
	if err := pool.UnpinPage(bucketPageID, true); err != nil {
		return nil, err
	}
	logger.Debug("extendible hash table created",
		zap.Int32("directory_page_id", int32(dirPageID)),
		zap.Int32("bucket_page_id", int32(bucketPageID)))
	return &ExtendibleHashTable[K, V]{
		pool:            pool,
		directoryPageID: dirPageID,
		ser:             ser,
		cmp:             cmp,
		hash:            hash,
		logger:          logger,
	}, nil
}

// DirectoryPageID returns the id of the directory page, the table's only
// persistent root.
func (h *ExtendibleHashTable[K, V]) DirectoryPageID() pagemanager.PageID {
	return h.directoryPageID
}

// keyToDirectoryIndex masks the key's hash down to a directory slot.
func (h *ExtendibleHashTable[K, V]) keyToDirectoryIndex(key K, dir *DirectoryPage) uint32 {
	return h.hash(key) & dir.GlobalDepthMask()
}

// fetchDirectory pins the directory page and wraps it.
func (h *ExtendibleHashTable[K, V]) fetchDirectory() (*DirectoryPage, error) {
	page, err := h.pool.FetchPage(h.directoryPageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directory page %d: %w", h.directoryPageID, err)
	}
	return NewDirectoryPage(page), nil
}

// fetchBucket pins a bucket page and wraps it.
func (h *ExtendibleHashTable[K, V]) fetchBucket(pageID pagemanager.PageID) (*BucketPage[K, V], error) {
	page, err := h.pool.FetchPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bucket page %d: %w", pageID, err)
	}
	return NewBucketPage(page, h.ser), nil
}

// GetValue returns every value stored under the key.
func (h *ExtendibleHashTable[K, V]) GetValue(key K) ([]V, error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return nil, err
	}
	bucketPageID := dir.BucketPageID(h.keyToDirectoryIndex(key, dir))
	bucket, err := h.fetchBucket(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return nil, err
	}
	result := bucket.GetValue(key, h.cmp)
	if err := h.pool.UnpinPage(bucketPageID, false); err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return nil, err
	}
	if err := h.pool.UnpinPage(h.directoryPageID, false); err != nil {
		return nil, err
	}
	return result, nil
}

// Insert stores the pair. It returns false when the identical pair is
// already present, or when the table cannot grow any further (directory
// saturated, or both halves full after a split).
func (h *ExtendibleHashTable[K, V]) Insert(key K, value V) (bool, error) {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return false, err
	}
	bucketPageID := dir.BucketPageID(h.keyToDirectoryIndex(key, dir))
	bucket, err := h.fetchBucket(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return false, err
	}

	if bucket.IsFull() {
		if err := h.pool.UnpinPage(bucketPageID, false); err != nil {
			_ = h.pool.UnpinPage(h.directoryPageID, false)
			return false, err
		}
		if err := h.pool.UnpinPage(h.directoryPageID, false); err != nil {
			return false, err
		}
		return h.splitInsert(key, value)
	}

	ok := bucket.Insert(key, value, h.cmp)
	if err := h.pool.UnpinPage(bucketPageID, ok); err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return false, err
	}
	if err := h.pool.UnpinPage(h.directoryPageID, false); err != nil {
		return false, err
	}
	return ok, nil
}

// splitInsert grows the target bucket, doubling the directory when the
// bucket already discriminates on every global bit, then redistributes the
// old bucket's entries together with the new pair. Called with the table
// write latch held and no pages pinned.
func (h *ExtendibleHashTable[K, V]) splitInsert(key K, value V) (bool, error) {
	newPage, newPageID, err := h.pool.NewPage()
	if err != nil {
		return false, fmt.Errorf("failed to allocate split bucket: %w", err)
	}

	dir, err := h.fetchDirectory()
	if err != nil {
		_ = h.pool.UnpinPage(newPageID, false)
		_ = h.pool.DeletePage(newPageID)
		return false, err
	}
	idx := h.keyToDirectoryIndex(key, dir)
	bucketPageID := dir.BucketPageID(idx)
	bucket, err := h.fetchBucket(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		_ = h.pool.UnpinPage(newPageID, false)
		_ = h.pool.DeletePage(newPageID)
		return false, err
	}

	localDepth := dir.LocalDepth(idx)
	if localDepth == dir.GlobalDepth() {
		if uint32(2)<<dir.GlobalDepth() > DirectoryArraySize {
			// Directory saturated; give the page back and fail without loss.
			_ = h.pool.UnpinPage(bucketPageID, false)
			_ = h.pool.UnpinPage(h.directoryPageID, false)
			_ = h.pool.UnpinPage(newPageID, false)
			_ = h.pool.DeletePage(newPageID)
			return false, nil
		}
		// Double the directory: the new half mirrors the old half.
		half := dir.Size()
		for j := uint32(0); j < half; j++ {
			dir.SetBucketPageID(j+half, dir.BucketPageID(j))
			dir.SetLocalDepth(j+half, uint8(dir.LocalDepth(j)))
		}
		dir.IncrGlobalDepth()
	}

	// Every slot sharing the old bucket deepens by one; those on the "1"
	// side of the new discriminating bit move to the new bucket.
	for j := uint32(0); j < dir.Size(); j++ {
		if dir.BucketPageID(j) != bucketPageID {
			continue
		}
		dir.IncrLocalDepth(j)
		if (j>>localDepth)&1 != (idx>>localDepth)&1 {
			dir.SetBucketPageID(j, newPageID)
		}
	}

	// Redistribute: every live entry plus the new pair rehashes into
	// whichever of the two buckets the directory now designates.
	keys, values := bucket.ReadableEntries()
	bucket.Reset()
	newBucket := NewBucketPage(newPage, h.ser)
	keys = append(keys, key)
	values = append(values, value)
	for i := range keys {
		target := dir.BucketPageID(h.keyToDirectoryIndex(keys[i], dir))
		var ok bool
		switch target {
		case bucketPageID:
			ok = bucket.Insert(keys[i], values[i], h.cmp)
		case newPageID:
			ok = newBucket.Insert(keys[i], values[i], h.cmp)
		}
		if !ok {
			// Both halves full; adversarial keys sharing a long prefix.
			_ = h.pool.UnpinPage(h.directoryPageID, true)
			_ = h.pool.UnpinPage(bucketPageID, true)
			_ = h.pool.UnpinPage(newPageID, true)
			return false, nil
		}
	}

	h.logger.Debug("bucket split",
		zap.Int32("old_bucket", int32(bucketPageID)),
		zap.Int32("new_bucket", int32(newPageID)),
		zap.Uint32("global_depth", dir.GlobalDepth()))

	if err := h.pool.UnpinPage(h.directoryPageID, true); err != nil {
		return false, err
	}
	if err := h.pool.UnpinPage(bucketPageID, true); err != nil {
		return false, err
	}
	if err := h.pool.UnpinPage(newPageID, true); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the pair, returning whether it was present. An emptied
// bucket merges with its split image when both sit at the same positive
// local depth, and the directory halves while every local depth allows it.
func (h *ExtendibleHashTable[K, V]) Remove(key K, value V) (bool, error) {
	h.tableLatch.Lock()
	defer h.tableLatch.Unlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return false, err
	}
	idx := h.keyToDirectoryIndex(key, dir)
	bucketPageID := dir.BucketPageID(idx)
	bucket, err := h.fetchBucket(bucketPageID)
	if err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return false, err
	}

	removed := bucket.Remove(key, value, h.cmp)

	mergeEligible := bucket.IsEmpty() &&
		dir.LocalDepth(idx) > 0 &&
		dir.LocalDepth(idx) == dir.LocalDepth(dir.SplitImageIndex(idx))

	if err := h.pool.UnpinPage(bucketPageID, removed); err != nil {
		_ = h.pool.UnpinPage(h.directoryPageID, false)
		return false, err
	}
	if err := h.pool.UnpinPage(h.directoryPageID, false); err != nil {
		return false, err
	}

	if mergeEligible {
		if err := h.merge(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// merge folds empty buckets into their split images until none is eligible:
// every slot aimed at an empty bucket is pointed back at the image, both
// sides shallow by one bit, the empty page is freed through the buffer pool,
// and the directory halves while every local depth allows it. The scan
// restarts after each fold because a merge can make the surviving bucket's
// own image eligible. Called with the table write latch held.
func (h *ExtendibleHashTable[K, V]) merge() error {
	for {
		dir, err := h.fetchDirectory()
		if err != nil {
			return err
		}

		victim, highBit, found, err := h.findMergeVictim(dir)
		if err != nil {
			_ = h.pool.UnpinPage(h.directoryPageID, false)
			return err
		}
		if !found {
			return h.pool.UnpinPage(h.directoryPageID, false)
		}

		for j := uint32(0); j < dir.Size(); j++ {
			if dir.BucketPageID(j) != victim {
				continue
			}
			imageIdx := j ^ highBit
			dir.SetBucketPageID(j, dir.BucketPageID(imageIdx))
			dir.DecrLocalDepth(j)
			dir.DecrLocalDepth(imageIdx)
		}

		if err := h.pool.DeletePage(victim); err != nil {
			_ = h.pool.UnpinPage(h.directoryPageID, true)
			return fmt.Errorf("failed to free merged bucket %d: %w", victim, err)
		}

		for dir.CanShrink() {
			dir.DecrGlobalDepth()
		}

		h.logger.Debug("bucket merged",
			zap.Int32("freed_bucket", int32(victim)),
			zap.Uint32("global_depth", dir.GlobalDepth()))
		if err := h.pool.UnpinPage(h.directoryPageID, true); err != nil {
			return err
		}
	}
}

// findMergeVictim scans the directory for an empty bucket whose split image
// sits at the same positive local depth. It returns the bucket's page id and
// the discriminating bit to fold on.
func (h *ExtendibleHashTable[K, V]) findMergeVictim(dir *DirectoryPage) (pagemanager.PageID, uint32, bool, error) {
	for j := uint32(0); j < dir.Size(); j++ {
		ld := dir.LocalDepth(j)
		if ld == 0 || ld != dir.LocalDepth(dir.SplitImageIndex(j)) {
			continue
		}
		pid := dir.BucketPageID(j)
		if pid == dir.BucketPageID(dir.SplitImageIndex(j)) {
			continue
		}
		bucket, err := h.fetchBucket(pid)
		if err != nil {
			return pagemanager.InvalidPageID, 0, false, err
		}
		empty := bucket.IsEmpty()
		if err := h.pool.UnpinPage(pid, false); err != nil {
			return pagemanager.InvalidPageID, 0, false, err
		}
		if empty {
			return pid, uint32(1) << (ld - 1), true, nil
		}
	}
	return pagemanager.InvalidPageID, 0, false, nil
}

// GlobalDepth reads the directory's current depth.
func (h *ExtendibleHashTable[K, V]) GlobalDepth() (uint32, error) {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return 0, err
	}
	depth := dir.GlobalDepth()
	return depth, h.pool.UnpinPage(h.directoryPageID, false)
}

// VerifyIntegrity checks the directory invariants; see
// DirectoryPage.VerifyIntegrity.
func (h *ExtendibleHashTable[K, V]) VerifyIntegrity() error {
	h.tableLatch.RLock()
	defer h.tableLatch.RUnlock()

	dir, err := h.fetchDirectory()
	if err != nil {
		return err
	}
	verr := dir.VerifyIntegrity()
	if err := h.pool.UnpinPage(h.directoryPageID, false); err != nil {
		return err
	}
	return verr
}
