// Package diskmanager reads and writes fixed-size page blocks against a
// single flat database file. Page p lives at byte offset p*PageSize; there is
// no file header, page 0 is an ordinary data page.
package diskmanager

import (
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// DiskManager hands out page ids and moves page-sized blocks between memory
// and the backing file. All methods are safe for concurrent use.
type DiskManager struct {
	filePath string
	file     *os.File
	numPages int64 // pages ever allocated; the file grows lazily up to this
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewDiskManager opens (or creates) the database file at filePath.
func NewDiskManager(filePath string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		numPages: fi.Size() / pagemanager.PageSize,
		logger:   logger,
	}
	logger.Debug("disk manager opened",
		zap.String("path", filePath),
		zap.Int64("num_pages", dm.numPages))
	return dm, nil
}

// ReadPage reads the page's block from disk into buf. Reading a page that was
// allocated but never written yields zeroes, matching a fresh page.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(buf) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d", ErrBufSizeInvalid, len(buf))
	}
	offset := int64(pageID) * pagemanager.PageSize
	n, err := dm.file.ReadAt(buf, offset)
	if err == io.EOF {
		// The file extends lazily; an unwritten page reads back as zeroes.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if n != pagemanager.PageSize {
		return fmt.Errorf("%w: page %d, expected %d bytes, got %d", ErrShortRead, pageID, pagemanager.PageSize, n)
	}
	return nil
}

// WritePage writes buf to the page's block on disk. Durability is the
// caller's concern; see Sync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}
	if len(buf) != pagemanager.PageSize {
		return fmt.Errorf("%w: got %d", ErrBufSizeInvalid, len(buf))
	}
	offset := int64(pageID) * pagemanager.PageSize
	if _, err := dm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if int64(pageID) >= dm.numPages {
		dm.numPages = int64(pageID) + 1
	}
	return nil
}

// AllocatePage reserves the next page id. The file itself grows on first
// write of that page.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrFileNotOpen
	}
	newPageID := pagemanager.PageID(dm.numPages)
	dm.numPages++
	return newPageID, nil
}

// DeallocatePage releases a page id back to the disk manager. There is no
// on-disk free list; the block is simply left behind for now.
// TODO: reuse deallocated blocks once a free-space map exists.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	dm.logger.Debug("deallocated page", zap.Int32("page_id", int32(pageID)))
	return nil
}

// NumPages reports how many pages have been allocated so far.
func (dm *DiskManager) NumPages() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// Sync flushes all buffered writes to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync on close failed", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
