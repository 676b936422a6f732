package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/kurodb/core/indexing/exthash"
	"github.com/sushant-115/kurodb/core/transaction"
	bufferpool "github.com/sushant-115/kurodb/core/write_engine/buffer_pool"
	diskmanager "github.com/sushant-115/kurodb/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"github.com/sushant-115/kurodb/core/write_engine/wal"
	"github.com/sushant-115/kurodb/pkg/logger"
	"github.com/sushant-115/kurodb/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	dataDir          = "data"
	dbFileName       = "kurodb.db"
	walFileName      = "kurodb.wal"
	numPoolInstances = 4
	poolSizePerShard = 64
	flushInterval    = time.Second
	flushPagesPerSec = 256
	prometheusPort   = 9464
	demoKeyCount     = 10_000
)

func main() {
	log, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout"})
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))
	log.Info("kurodb standalone starting")

	_, telemetryShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        true,
		ServiceName:    "kurodb-standalone",
		PrometheusPort: prometheusPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = telemetryShutdown(context.Background()) }()

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}

	disk, err := diskmanager.NewDiskManager(filepath.Join(dataDir, dbFileName), log)
	if err != nil {
		log.Fatal("failed to open database file", zap.Error(err))
	}
	defer func() { _ = disk.Close() }()

	logManager, err := wal.NewLogManager(filepath.Join(dataDir, walFileName), log)
	if err != nil {
		log.Fatal("failed to open write-ahead log", zap.Error(err))
	}
	defer func() { _ = logManager.Close() }()

	pool, err := bufferpool.NewParallelBufferPool(numPoolInstances, poolSizePerShard, disk, logManager, log)
	if err != nil {
		log.Fatal("failed to build buffer pool", zap.Error(err))
	}

	flusher := bufferpool.NewFlushDaemon(pool, flushInterval, flushPagesPerSec, log)
	flusher.Start()
	defer flusher.Stop()

	index, err := exthash.NewExtendibleHashTable(pool, exthash.Uint64RIDSerializer(), exthash.Uint64Compare, exthash.Uint64Hash, log)
	if err != nil {
		log.Fatal("failed to create hash index", zap.Error(err))
	}

	lockManager := transaction.NewLockManager(log)

	start := time.Now()
	txn := transaction.NewTransaction(1, transaction.IsolationRepeatableRead)
	for k := uint64(0); k < demoKeyCount; k++ {
		rid := pagemanager.RID{PageID: pagemanager.PageID(k % 97), SlotNum: uint32(k)}
		if err := lockManager.LockExclusive(txn, rid); err != nil {
			log.Fatal("lock acquisition failed", zap.Uint64("key", k), zap.Error(err))
		}
		ok, err := index.Insert(k, rid)
		if err != nil {
			log.Fatal("insert failed", zap.Uint64("key", k), zap.Error(err))
		}
		if !ok {
			log.Warn("insert rejected", zap.Uint64("key", k))
		}
	}
	for _, rid := range txn.ExclusiveLockSet() {
		if err := lockManager.Unlock(txn, rid); err != nil {
			log.Fatal("unlock failed", zap.Error(err))
		}
	}
	log.Info("workload loaded",
		zap.Int("keys", demoKeyCount),
		zap.Duration("elapsed", time.Since(start)))

	missing := 0
	for k := uint64(0); k < demoKeyCount; k++ {
		vals, err := index.GetValue(k)
		if err != nil {
			log.Fatal("lookup failed", zap.Uint64("key", k), zap.Error(err))
		}
		if len(vals) == 0 {
			missing++
		}
	}
	depth, err := index.GlobalDepth()
	if err != nil {
		log.Fatal("failed to read global depth", zap.Error(err))
	}
	if err := index.VerifyIntegrity(); err != nil {
		log.Fatal("directory integrity violated", zap.Error(err))
	}
	log.Info("workload verified",
		zap.Int("missing", missing),
		zap.Uint32("global_depth", depth))

	if err := pool.FlushAllPages(); err != nil {
		log.Fatal("final flush failed", zap.Error(err))
	}
	if err := disk.Sync(); err != nil {
		log.Fatal("final sync failed", zap.Error(err))
	}
	log.Info("kurodb standalone finished", zap.Duration("total", time.Since(start)))
}
