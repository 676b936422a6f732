package bufferpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FlushDaemon periodically writes dirty pages back to disk in the
// background, rate-limited so write-back never saturates the disk under
// foreground load. It is optional; all pool invariants hold without it.
type FlushDaemon struct {
	pool     *ParallelBufferPool
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFlushDaemon creates a daemon that wakes every interval and flushes at
// most maxPagesPerSecond dirty pages per second.
func NewFlushDaemon(pool *ParallelBufferPool, interval time.Duration, maxPagesPerSecond float64, logger *zap.Logger) *FlushDaemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FlushDaemon{
		pool:     pool,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(maxPagesPerSecond), 1),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the background goroutine.
func (fd *FlushDaemon) Start() {
	fd.wg.Add(1)
	go fd.run()
}

// Stop signals the daemon and waits for it to exit. A flush pass in progress
// stops before its next page; pages it has not reached stay dirty in the pool.
func (fd *FlushDaemon) Stop() {
	fd.cancel()
	fd.wg.Wait()
}

func (fd *FlushDaemon) run() {
	defer fd.wg.Done()
	ticker := time.NewTicker(fd.interval)
	defer ticker.Stop()
	for {
		select {
		case <-fd.ctx.Done():
			return
		case <-ticker.C:
			fd.flushOnce()
		}
	}
}

func (fd *FlushDaemon) flushOnce() {
	for _, inst := range fd.pool.Instances() {
		for _, pageID := range inst.DirtyPageIDs() {
			if err := fd.limiter.Wait(fd.ctx); err != nil {
				return // stopped
			}
			if err := inst.FlushPage(pageID); err != nil {
				// The page may have been evicted or deleted since the
				// snapshot; that is not a failure.
				fd.logger.Debug("background flush skipped page",
					zap.Int32("page_id", int32(pageID)),
					zap.Error(err))
			}
		}
	}
}
