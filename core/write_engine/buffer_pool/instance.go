// Package bufferpool caches fixed-size pages in memory against the on-disk
// page file. A BufferPoolInstance owns a fixed array of frames and serializes
// all state transitions under one latch; ParallelBufferPool shards page ids
// across several instances to cut latch contention.
package bufferpool

import (
	"fmt"
	"sync"

	diskmanager "github.com/sushant-115/kurodb/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"github.com/sushant-115/kurodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// BufferPoolInstance manages one shard of the buffer pool. Page ids it
// allocates satisfy id mod numInstances == instanceIndex, so every page has
// exactly one owning instance.
type BufferPoolInstance struct {
	poolSize      int
	numInstances  uint32
	instanceIndex uint32
	nextPageID    pagemanager.PageID

	disk       *diskmanager.DiskManager
	logManager *wal.LogManager

	pages     []*pagemanager.Page
	pageTable map[pagemanager.PageID]pagemanager.FrameID
	freeList  []pagemanager.FrameID
	replacer  *LRUReplacer

	mu     sync.Mutex
	logger *zap.Logger
}

// NewBufferPoolInstance creates one shard of a parallel pool. logManager may
// be nil when write-ahead logging is not wired in.
func NewBufferPoolInstance(poolSize int, numInstances, instanceIndex uint32, disk *diskmanager.DiskManager, logManager *wal.LogManager, logger *zap.Logger) (*BufferPoolInstance, error) {
	if disk == nil {
		return nil, fmt.Errorf("disk manager cannot be nil")
	}
	if numInstances == 0 {
		return nil, fmt.Errorf("numInstances must be positive")
	}
	if instanceIndex >= numInstances {
		return nil, fmt.Errorf("instance index %d out of range for %d instances", instanceIndex, numInstances)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	initMetrics()
	b := &BufferPoolInstance{
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    pagemanager.PageID(instanceIndex),
		disk:          disk,
		logManager:    logManager,
		pages:         make([]*pagemanager.Page, poolSize),
		pageTable:     make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:      make([]pagemanager.FrameID, 0, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		logger:        logger,
	}
	for i := 0; i < poolSize; i++ {
		b.pages[i] = pagemanager.NewPage()
		b.freeList = append(b.freeList, pagemanager.FrameID(i))
	}
	return b, nil
}

// NewBufferPool creates a standalone, unsharded pool.
func NewBufferPool(poolSize int, disk *diskmanager.DiskManager, logManager *wal.LogManager, logger *zap.Logger) (*BufferPoolInstance, error) {
	return NewBufferPoolInstance(poolSize, 1, 0, disk, logManager, logger)
}

// PoolSize returns the number of frames in this instance.
func (b *BufferPoolInstance) PoolSize() int { return b.poolSize }

// FetchPage returns the requested page pinned. If the page is not cached it
// is read from disk into a victim frame, writing back the victim's contents
// first when dirty. Fails with ErrBufferPoolFull when every frame is pinned.
func (b *BufferPoolInstance) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frameID, ok := b.pageTable[pageID]; ok {
		page := b.pages[frameID]
		page.Pin()
		b.replacer.Pin(frameID)
		recordHit()
		return page, nil
	}
	recordMiss()

	frameID, fromFreeList, ok := b.pickVictim()
	if !ok {
		return nil, ErrBufferPoolFull
	}
	if err := b.writeBackIfDirty(frameID, fromFreeList); err != nil {
		return nil, err
	}

	page := b.pages[frameID]
	delete(b.pageTable, page.ID())
	b.pageTable[pageID] = frameID
	page.SetID(pageID)
	page.SetDirty(false)
	page.SetPinCount(1)
	b.replacer.Pin(frameID)

	if err := b.disk.ReadPage(pageID, page.Data()); err != nil {
		// Undo the rewiring so the frame is reusable and no stale mapping
		// survives.
		delete(b.pageTable, pageID)
		page.Reset()
		b.freeList = append(b.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	b.logger.Debug("page read into frame",
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("frame_id", int32(frameID)))
	return page, nil
}

// NewPage allocates a fresh page id owned by this instance and pins a zeroed
// frame for it. Fails with ErrBufferPoolFull when every frame is pinned; the
// returned page id is InvalidPageID in that case.
func (b *BufferPoolInstance) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.freeList) == 0 && b.replacer.Size() == 0 {
		return nil, pagemanager.InvalidPageID, ErrBufferPoolFull
	}

	pageID, err := b.allocatePageID()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}

	frameID, fromFreeList, ok := b.pickVictim()
	if !ok {
		return nil, pagemanager.InvalidPageID, ErrBufferPoolFull
	}
	if err := b.writeBackIfDirty(frameID, fromFreeList); err != nil {
		return nil, pagemanager.InvalidPageID, err
	}

	page := b.pages[frameID]
	delete(b.pageTable, page.ID())
	page.Reset()
	b.pageTable[pageID] = frameID
	page.SetID(pageID)
	page.SetDirty(false)
	page.SetPinCount(1)
	b.replacer.Pin(frameID)

	if b.logManager != nil {
		lsn, err := b.logManager.AppendRecord(&wal.LogRecord{
			Type:   wal.LogRecordTypeNewPage,
			PageID: pageID,
		})
		if err != nil {
			return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to log allocation of page %d: %w", pageID, err)
		}
		page.SetLSN(lsn)
	}
	b.logger.Debug("new page allocated",
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("frame_id", int32(frameID)))
	return page, pageID, nil
}

// UnpinPage drops one pin on the page. isDirty ORs into the frame's dirty
// bit; it never clears it. When the pin count reaches zero the frame enters
// the replacer's victim set.
func (b *BufferPoolInstance) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	page := b.pages[frameID]
	if isDirty {
		page.SetDirty(true)
		if b.logManager != nil {
			lsn, err := b.logManager.AppendRecord(&wal.LogRecord{
				Type:   wal.LogRecordTypeUpdate,
				PageID: pageID,
				Data:   page.Data(),
			})
			if err != nil {
				return fmt.Errorf("failed to log update of page %d: %w", pageID, err)
			}
			page.SetLSN(lsn)
		}
	}
	if page.PinCount() <= 0 {
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}
	page.Unpin()
	if page.PinCount() == 0 {
		b.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage writes the page back to disk if dirty. Flushing is allowed while
// the page is pinned and does not change pin state.
func (b *BufferPoolInstance) FlushPage(pageID pagemanager.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(pageID)
}

func (b *BufferPoolInstance) flushLocked(pageID pagemanager.PageID) error {
	frameID, ok := b.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotFound, pageID)
	}
	page := b.pages[frameID]
	if !page.IsDirty() {
		return nil
	}
	if err := b.syncLog(page); err != nil {
		return err
	}
	if err := b.disk.WritePage(pageID, page.Data()); err != nil {
		return fmt.Errorf("failed to flush page %d: %w", pageID, err)
	}
	page.SetDirty(false)
	recordFlush()
	return nil
}

// FlushAllPages flushes every page currently cached. The first error is
// returned after attempting the rest.
func (b *BufferPoolInstance) FlushAllPages() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for pageID := range b.pageTable {
		if err := b.flushLocked(pageID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeletePage removes the page from the pool and deallocates it on disk. A
// page that is not cached is vacuously deleted. A pinned page cannot be
// deleted.
func (b *BufferPoolInstance) DeletePage(pageID pagemanager.PageID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable[pageID]
	if !ok {
		return nil
	}
	page := b.pages[frameID]
	if page.PinCount() > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", ErrPagePinned, pageID, page.PinCount())
	}
	delete(b.pageTable, pageID)
	b.replacer.Pin(frameID) // take the frame out of the victim set
	page.Reset()
	b.freeList = append(b.freeList, frameID)
	if err := b.disk.DeallocatePage(pageID); err != nil {
		return fmt.Errorf("failed to deallocate page %d: %w", pageID, err)
	}
	if b.logManager != nil {
		if _, err := b.logManager.AppendRecord(&wal.LogRecord{
			Type:   wal.LogRecordTypeFreePage,
			PageID: pageID,
		}); err != nil {
			return fmt.Errorf("failed to log deallocation of page %d: %w", pageID, err)
		}
	}
	return nil
}

// PinnedFrames counts frames whose page is currently pinned. Useful for
// verifying that fetch/unpin pairs balance.
func (b *BufferPoolInstance) PinnedFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, page := range b.pages {
		if page.PinCount() > 0 {
			n++
		}
	}
	return n
}

// DirtyPageIDs snapshots the ids of all dirty cached pages. Used by the
// background flusher.
func (b *BufferPoolInstance) DirtyPageIDs() []pagemanager.PageID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]pagemanager.PageID, 0, len(b.pageTable))
	for pageID, frameID := range b.pageTable {
		if b.pages[frameID].IsDirty() {
			ids = append(ids, pageID)
		}
	}
	return ids
}

// allocatePageID hands out the next id of this shard's arithmetic
// progression and checks the sharding identity.
func (b *BufferPoolInstance) allocatePageID() (pagemanager.PageID, error) {
	pageID := b.nextPageID
	b.nextPageID += pagemanager.PageID(b.numInstances)
	if uint32(pageID)%b.numInstances != b.instanceIndex {
		return pagemanager.InvalidPageID, fmt.Errorf("allocated page id %d does not map to instance %d of %d", pageID, b.instanceIndex, b.numInstances)
	}
	return pageID, nil
}

// pickVictim takes a frame from the free list first, then from the replacer.
func (b *BufferPoolInstance) pickVictim() (pagemanager.FrameID, bool, bool) {
	if len(b.freeList) > 0 {
		frameID := b.freeList[0]
		b.freeList = b.freeList[1:]
		return frameID, true, true
	}
	if frameID, ok := b.replacer.Victim(); ok {
		recordEviction()
		return frameID, false, true
	}
	return pagemanager.InvalidFrameID, false, false
}

// writeBackIfDirty persists the victim's contents before the frame is
// reused. On failure the frame is handed back to where it came from so the
// pool's state is unchanged and the page stays dirty.
func (b *BufferPoolInstance) writeBackIfDirty(frameID pagemanager.FrameID, fromFreeList bool) error {
	page := b.pages[frameID]
	if !page.IsDirty() || page.ID() == pagemanager.InvalidPageID {
		return nil
	}
	if err := b.syncLog(page); err != nil {
		b.restoreVictim(frameID, fromFreeList)
		return err
	}
	if err := b.disk.WritePage(page.ID(), page.Data()); err != nil {
		b.restoreVictim(frameID, fromFreeList)
		return fmt.Errorf("failed to write back dirty page %d: %w", page.ID(), err)
	}
	page.SetDirty(false)
	return nil
}

func (b *BufferPoolInstance) restoreVictim(frameID pagemanager.FrameID, fromFreeList bool) {
	if fromFreeList {
		b.freeList = append([]pagemanager.FrameID{frameID}, b.freeList...)
	} else {
		b.replacer.Unpin(frameID)
	}
}

// syncLog makes the WAL durable up to the page's LSN before the page itself
// hits disk.
func (b *BufferPoolInstance) syncLog(page *pagemanager.Page) error {
	if b.logManager == nil || page.LSN() == pagemanager.InvalidLSN {
		return nil
	}
	if err := b.logManager.Sync(); err != nil {
		return fmt.Errorf("failed to sync log before flushing page %d: %w", page.ID(), err)
	}
	return nil
}
