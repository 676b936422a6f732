package exthash

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
)

// DirectoryArraySize bounds 1 << globalDepth. With 4-byte page ids the full
// directory (4 + 512 + 512*4 bytes) fits one page.
const DirectoryArraySize = 512

// Directory page layout:
//
//	offset 0: uint32 globalDepth
//	offset 4: uint8 localDepth[DirectoryArraySize]
//	offset 4+DirectoryArraySize: int32 bucketPageID[DirectoryArraySize]
const (
	dirGlobalDepthOffset = 0
	dirLocalDepthOffset  = 4
	dirBucketIDOffset    = dirLocalDepthOffset + DirectoryArraySize
)

// DirectoryPage is a zero-copy view over the raw bytes of the hash table's
// directory page. Callers must hold the table latch and keep the underlying
// frame pinned for the lifetime of the view.
type DirectoryPage struct {
	data []byte
}

// NewDirectoryPage wraps a fetched page as a directory view.
func NewDirectoryPage(page *pagemanager.Page) *DirectoryPage {
	return &DirectoryPage{data: page.Data()}
}

// GlobalDepth returns the number of hash bits the directory discriminates on.
func (d *DirectoryPage) GlobalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirGlobalDepthOffset:])
}

// SetGlobalDepth overwrites the global depth.
func (d *DirectoryPage) SetGlobalDepth(depth uint32) {
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOffset:], depth)
}

// IncrGlobalDepth grows the directory's depth by one.
func (d *DirectoryPage) IncrGlobalDepth() { d.SetGlobalDepth(d.GlobalDepth() + 1) }

// DecrGlobalDepth shrinks the directory's depth by one.
func (d *DirectoryPage) DecrGlobalDepth() { d.SetGlobalDepth(d.GlobalDepth() - 1) }

// GlobalDepthMask masks a hash down to the directory index.
func (d *DirectoryPage) GlobalDepthMask() uint32 {
	return (1 << d.GlobalDepth()) - 1
}

// Size is the number of live directory slots, 1 << globalDepth.
func (d *DirectoryPage) Size() uint32 { return 1 << d.GlobalDepth() }

// LocalDepth returns the number of hash bits the bucket at slot idx
// discriminates on.
func (d *DirectoryPage) LocalDepth(idx uint32) uint32 {
	return uint32(d.data[dirLocalDepthOffset+int(idx)])
}

// SetLocalDepth overwrites the local depth of slot idx.
func (d *DirectoryPage) SetLocalDepth(idx uint32, depth uint8) {
	d.data[dirLocalDepthOffset+int(idx)] = depth
}

// IncrLocalDepth grows slot idx's local depth by one.
func (d *DirectoryPage) IncrLocalDepth(idx uint32) {
	d.data[dirLocalDepthOffset+int(idx)]++
}

// DecrLocalDepth shrinks slot idx's local depth by one.
func (d *DirectoryPage) DecrLocalDepth(idx uint32) {
	d.data[dirLocalDepthOffset+int(idx)]--
}

// BucketPageID returns the page id of the bucket slot idx points at.
func (d *DirectoryPage) BucketPageID(idx uint32) pagemanager.PageID {
	off := dirBucketIDOffset + int(idx)*4
	return pagemanager.PageID(int32(binary.LittleEndian.Uint32(d.data[off:])))
}

// SetBucketPageID points slot idx at the given bucket page.
func (d *DirectoryPage) SetBucketPageID(idx uint32, pageID pagemanager.PageID) {
	off := dirBucketIDOffset + int(idx)*4
	binary.LittleEndian.PutUint32(d.data[off:], uint32(int32(pageID)))
}

// SplitImageIndex returns the slot that pairs with idx across the bucket's
// discriminating bit: idx ^ (1 << (localDepth-1)). Only meaningful when the
// slot's local depth is positive.
func (d *DirectoryPage) SplitImageIndex(idx uint32) uint32 {
	return idx ^ (1 << (d.LocalDepth(idx) - 1))
}

// CanShrink reports whether every local depth is strictly below the global
// depth, the condition under which the directory may halve.
func (d *DirectoryPage) CanShrink() bool {
	if d.GlobalDepth() == 0 {
		return false
	}
	for i := uint32(0); i < d.Size(); i++ {
		if d.LocalDepth(i) == d.GlobalDepth() {
			return false
		}
	}
	return true
}

// VerifyIntegrity checks the directory invariants: local depths bounded by
// the global depth, slots sharing a bucket agreeing on depth, each bucket
// referenced by exactly 2^(globalDepth-localDepth) slots, and global depth
// minimal.
func (d *DirectoryPage) VerifyIntegrity() error {
	g := d.GlobalDepth()
	refCounts := make(map[pagemanager.PageID]uint32)
	depths := make(map[pagemanager.PageID]uint32)
	maxLocal := uint32(0)
	for i := uint32(0); i < d.Size(); i++ {
		ld := d.LocalDepth(i)
		pid := d.BucketPageID(i)
		if pid == pagemanager.InvalidPageID {
			return fmt.Errorf("slot %d points at no bucket", i)
		}
		if ld > g {
			return fmt.Errorf("slot %d local depth %d exceeds global depth %d", i, ld, g)
		}
		if ld > maxLocal {
			maxLocal = ld
		}
		if seen, ok := depths[pid]; ok && seen != ld {
			return fmt.Errorf("bucket %d referenced with depths %d and %d", pid, seen, ld)
		}
		depths[pid] = ld
		refCounts[pid]++
	}
	for pid, n := range refCounts {
		if want := uint32(1) << (g - depths[pid]); n != want {
			return fmt.Errorf("bucket %d referenced by %d slots, want %d", pid, n, want)
		}
	}
	if g != 0 && maxLocal != g {
		return fmt.Errorf("global depth %d not minimal, max local depth is %d", g, maxLocal)
	}
	return nil
}
