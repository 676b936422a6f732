package transaction

import (
	"context"
	"errors"
	"sync"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned by Unlock when the transaction has no request
// on the record's queue.
var ErrLockNotHeld = errors.New("transaction holds no lock on record")

// LockMode is the strength of a record lock.
type LockMode int

const (
	LockModeShared LockMode = iota
	LockModeExclusive
)

// lockRequest is one transaction's position in a record's queue.
type lockRequest struct {
	txnID   TxnID
	mode    LockMode
	granted bool
}

// lockRequestQueue orders the requests on one record. The counters are
// derived from the granted entries; cond shares the manager's latch so
// waiting releases it.
type lockRequestQueue struct {
	requests    []*lockRequest
	cond        *sync.Cond
	sharedCount int
	exclusive   bool
	upgrading   TxnID
}

func (q *lockRequestQueue) find(txnID TxnID) (int, *lockRequest) {
	for i, req := range q.requests {
		if req.txnID == txnID {
			return i, req
		}
	}
	return -1, nil
}

var (
	lockMetricsOnce sync.Once
	lockWaits       metric.Int64Counter
	lockAborts      metric.Int64Counter
)

func initLockMetrics() {
	lockMetricsOnce.Do(func() {
		meter := otel.Meter("kurodb/lockmanager")
		lockWaits, _ = meter.Int64Counter("kurodb.lockmanager.waits",
			metric.WithDescription("Lock requests that blocked before granting"))
		lockAborts, _ = meter.Int64Counter("kurodb.lockmanager.aborts",
			metric.WithDescription("Lock requests that aborted their transaction"))
	})
}

// LockManager grants per-record shared and exclusive locks under two-phase
// locking. One latch guards the whole table; each record's queue
// has its own condition variable, and waiters are woken en masse with no
// FIFO guarantee. There is no deadlock detector: a cycle is broken only by
// an external abort, see WakeWaiters.
type LockManager struct {
	mu        sync.Mutex
	lockTable map[pagemanager.RID]*lockRequestQueue
	logger    *zap.Logger
}

// NewLockManager creates an empty lock table.
func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	initLockMetrics()
	return &LockManager{
		lockTable: make(map[pagemanager.RID]*lockRequestQueue),
		logger:    logger,
	}
}

// queue returns the record's request queue, creating it on first use. Caller
// holds lm.mu.
func (lm *LockManager) queue(rid pagemanager.RID) *lockRequestQueue {
	q, ok := lm.lockTable[rid]
	if !ok {
		q = &lockRequestQueue{
			cond:      sync.NewCond(&lm.mu),
			upgrading: InvalidTxnID,
		}
		lm.lockTable[rid] = q
	}
	return q
}

// abort marks the transaction aborted and returns the matching error.
func (lm *LockManager) abort(txn *Transaction, reason AbortReason) error {
	txn.SetState(TxnStateAborted)
	lockAborts.Add(context.Background(), 1)
	lm.logger.Debug("transaction aborted by lock manager",
		zap.Int32("txn_id", int32(txn.ID())),
		zap.String("reason", reason.String()))
	return newAbortError(txn, reason)
}

// LockShared blocks until the transaction holds a shared lock on rid.
// Requesting while shrinking, or under READ_UNCOMMITTED, aborts the
// transaction.
func (lm *LockManager) LockShared(txn *Transaction, rid pagemanager.RID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnStateShrinking {
		return lm.abort(txn, AbortLockOnShrinking)
	}
	if txn.IsolationLevel() == IsolationReadUncommitted {
		return lm.abort(txn, AbortLockSharedOnReadUncommitted)
	}

	q := lm.queue(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockModeShared}
	q.requests = append(q.requests, req)

	if q.exclusive {
		lockWaits.Add(context.Background(), 1)
	}
	for q.exclusive && txn.State() != TxnStateAborted {
		q.cond.Wait()
	}
	if txn.State() == TxnStateAborted {
		lm.dropRequest(q, txn.ID())
		return newAbortError(txn, AbortDeadlock)
	}

	txn.addSharedLock(rid)
	q.sharedCount++
	req.granted = true
	return nil
}

// LockExclusive blocks until the transaction holds an exclusive lock on rid.
func (lm *LockManager) LockExclusive(txn *Transaction, rid pagemanager.RID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnStateShrinking {
		return lm.abort(txn, AbortLockOnShrinking)
	}

	q := lm.queue(rid)
	req := &lockRequest{txnID: txn.ID(), mode: LockModeExclusive}
	q.requests = append(q.requests, req)

	if q.exclusive || q.sharedCount > 0 {
		lockWaits.Add(context.Background(), 1)
	}
	for (q.exclusive || q.sharedCount > 0) && txn.State() != TxnStateAborted {
		q.cond.Wait()
	}
	if txn.State() == TxnStateAborted {
		lm.dropRequest(q, txn.ID())
		return newAbortError(txn, AbortDeadlock)
	}

	txn.addExclusiveLock(rid)
	q.exclusive = true
	req.granted = true
	return nil
}

// LockUpgrade converts the transaction's shared lock on rid into an
// exclusive one. Only one upgrade may be in flight per record; a second
// upgrader aborts with UPGRADE_CONFLICT.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid pagemanager.RID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.State() == TxnStateShrinking {
		return lm.abort(txn, AbortLockOnShrinking)
	}

	q := lm.queue(rid)
	if q.upgrading != InvalidTxnID {
		return lm.abort(txn, AbortUpgradeConflict)
	}
	q.upgrading = txn.ID()

	if q.exclusive || q.sharedCount > 1 {
		lockWaits.Add(context.Background(), 1)
	}
	for (q.exclusive || q.sharedCount > 1) && txn.State() != TxnStateAborted {
		q.cond.Wait()
	}
	if txn.State() == TxnStateAborted {
		q.upgrading = InvalidTxnID
		return newAbortError(txn, AbortDeadlock)
	}

	_, req := q.find(txn.ID())
	if req == nil {
		q.upgrading = InvalidTxnID
		return ErrLockNotHeld
	}

	txn.removeSharedLock(rid)
	txn.addExclusiveLock(rid)
	// The shared hold converts rather than releases; the derived counter
	// follows the entry's new mode.
	q.sharedCount--
	q.exclusive = true
	req.mode = LockModeExclusive
	q.upgrading = InvalidTxnID
	return nil
}

// Unlock releases the transaction's lock on rid. Outside the
// READ_COMMITTED-shared case the transaction enters its shrinking phase.
// Waiters are woken whenever the release could have unblocked them.
func (lm *LockManager) Unlock(txn *Transaction, rid pagemanager.RID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q, ok := lm.lockTable[rid]
	if !ok {
		return ErrLockNotHeld
	}
	idx, req := q.find(txn.ID())
	if req == nil {
		return ErrLockNotHeld
	}

	txn.removeSharedLock(rid)
	txn.removeExclusiveLock(rid)

	q.exclusive = false
	if req.mode == LockModeShared {
		q.sharedCount--
	}

	eagerSharedRelease := txn.State() == TxnStateGrowing &&
		txn.IsolationLevel() == IsolationReadCommitted &&
		req.mode == LockModeShared
	if !eagerSharedRelease && txn.State() != TxnStateAborted {
		txn.SetState(TxnStateShrinking)
	}

	q.requests = append(q.requests[:idx], q.requests[idx+1:]...)
	// Wake the queue whenever the release could have enabled someone: the
	// exclusive holder left, the last reader left, or a pending upgrader is
	// now the only reader.
	if req.mode == LockModeExclusive ||
		(req.mode == LockModeShared && q.sharedCount == 0) ||
		(q.upgrading != InvalidTxnID && q.sharedCount <= 1) {
		q.cond.Broadcast()
	}
	return nil
}

// WakeWaiters re-evaluates every waiter parked on rid. External aborters
// call it after marking a transaction ABORTED so its blocked lock calls
// return instead of sleeping on.
func (lm *LockManager) WakeWaiters(rid pagemanager.RID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if q, ok := lm.lockTable[rid]; ok {
		q.cond.Broadcast()
	}
}

// dropRequest removes an aborted transaction's ungranted request. Caller
// holds lm.mu.
func (lm *LockManager) dropRequest(q *lockRequestQueue, txnID TxnID) {
	if idx, req := q.find(txnID); req != nil && !req.granted {
		q.requests = append(q.requests[:idx], q.requests[idx+1:]...)
	}
}
