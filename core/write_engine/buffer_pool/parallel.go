package bufferpool

import (
	"fmt"
	"sync"

	diskmanager "github.com/sushant-115/kurodb/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"github.com/sushant-115/kurodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// ParallelBufferPool shards page ids across numInstances buffer pool
// instances by pageID mod numInstances. Operations on pages owned by
// different shards proceed in parallel with no cross-instance locking; the
// only shared state here is the round-robin cursor for NewPage.
type ParallelBufferPool struct {
	instances []*BufferPoolInstance

	startMu    sync.Mutex
	startIndex int
}

// NewParallelBufferPool creates numInstances instances of poolSize frames
// each, all backed by the same disk manager.
func NewParallelBufferPool(numInstances, poolSize int, disk *diskmanager.DiskManager, logManager *wal.LogManager, logger *zap.Logger) (*ParallelBufferPool, error) {
	if numInstances <= 0 {
		return nil, fmt.Errorf("numInstances must be positive")
	}
	p := &ParallelBufferPool{
		instances: make([]*BufferPoolInstance, numInstances),
	}
	for i := 0; i < numInstances; i++ {
		inst, err := NewBufferPoolInstance(poolSize, uint32(numInstances), uint32(i), disk, logManager, logger)
		if err != nil {
			return nil, err
		}
		p.instances[i] = inst
	}
	return p, nil
}

// owner returns the instance responsible for pageID.
func (p *ParallelBufferPool) owner(pageID pagemanager.PageID) *BufferPoolInstance {
	return p.instances[int(pageID)%len(p.instances)]
}

// Instances exposes the shards, for fan-out consumers like the flush daemon.
func (p *ParallelBufferPool) Instances() []*BufferPoolInstance { return p.instances }

// PoolSize sums the pool sizes of all instances.
func (p *ParallelBufferPool) PoolSize() int {
	total := 0
	for _, inst := range p.instances {
		total += inst.PoolSize()
	}
	return total
}

// FetchPage forwards to the owning instance.
func (p *ParallelBufferPool) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	return p.owner(pageID).FetchPage(pageID)
}

// UnpinPage forwards to the owning instance.
func (p *ParallelBufferPool) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	return p.owner(pageID).UnpinPage(pageID, isDirty)
}

// FlushPage forwards to the owning instance.
func (p *ParallelBufferPool) FlushPage(pageID pagemanager.PageID) error {
	return p.owner(pageID).FlushPage(pageID)
}

// DeletePage forwards to the owning instance.
func (p *ParallelBufferPool) DeletePage(pageID pagemanager.PageID) error {
	return p.owner(pageID).DeletePage(pageID)
}

// NewPage asks each instance in turn for a new page, starting at a cursor
// that advances on every call so allocation pressure spreads across shards.
// Returns the first success, or ErrBufferPoolFull when every instance is out
// of frames.
func (p *ParallelBufferPool) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	p.startMu.Lock()
	start := p.startIndex
	p.startIndex = (p.startIndex + 1) % len(p.instances)
	p.startMu.Unlock()

	for i := 0; i < len(p.instances); i++ {
		inst := p.instances[(start+i)%len(p.instances)]
		page, pageID, err := inst.NewPage()
		if err == nil {
			return page, pageID, nil
		}
	}
	return nil, pagemanager.InvalidPageID, ErrBufferPoolFull
}

// FlushAllPages fans out to every instance.
func (p *ParallelBufferPool) FlushAllPages() error {
	var firstErr error
	for _, inst := range p.instances {
		if err := inst.FlushAllPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
