// Package wal appends page-level log records to a single log file. The
// buffer pool syncs the log before evicting a dirty page so no page write
// ever reaches disk ahead of its log records. There is no replay or recovery;
// this manager is a durable sink.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate   LogRecordType = iota + 1 // page contents changed
	LogRecordTypeNewPage                           // allocation of a new page
	LogRecordTypeFreePage                          // deallocation of a page
)

// LogRecord is a single entry in the log.
type LogRecord struct {
	LSN    pagemanager.LSN
	TxnID  uint64
	Type   LogRecordType
	PageID pagemanager.PageID
	Data   []byte
}

// recordHeaderSize is LSN(8) + TxnID(8) + Type(1) + PageID(4) + DataLen(4).
const recordHeaderSize = 25

// LogManager owns the log file and assigns LSNs. Appends buffer in the OS;
// Sync makes everything appended so far durable.
type LogManager struct {
	file    *os.File
	nextLSN pagemanager.LSN
	offset  int64
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewLogManager creates or truncates the log file at path.
func NewLogManager(path string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &LogManager{
		file:    file,
		nextLSN: 1,
		logger:  logger,
	}, nil
}

// AppendRecord encodes the record, assigns it the next LSN and appends it to
// the log file. It returns the assigned LSN.
func (lm *LogManager) AppendRecord(record *LogRecord) (pagemanager.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return pagemanager.InvalidLSN, fmt.Errorf("log file closed")
	}

	record.LSN = lm.nextLSN
	buf := make([]byte, recordHeaderSize+len(record.Data))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(record.LSN))
	binary.LittleEndian.PutUint64(buf[8:16], record.TxnID)
	buf[16] = byte(record.Type)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(record.PageID))
	binary.LittleEndian.PutUint32(buf[21:25], uint32(len(record.Data)))
	copy(buf[recordHeaderSize:], record.Data)

	if _, err := lm.file.WriteAt(buf, lm.offset); err != nil {
		return pagemanager.InvalidLSN, fmt.Errorf("failed to append log record: %w", err)
	}
	lm.offset += int64(len(buf))
	lm.nextLSN++
	return record.LSN, nil
}

// CurrentLSN returns the next LSN to be assigned.
func (lm *LogManager) CurrentLSN() pagemanager.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// Sync forces everything appended so far to stable storage.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return fmt.Errorf("log file closed")
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// Close syncs and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	if err := lm.file.Sync(); err != nil {
		lm.logger.Warn("log sync on close failed", zap.Error(err))
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}
