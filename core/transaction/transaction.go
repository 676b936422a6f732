// Package transaction holds the transaction abstraction and the two-phase
// lock manager that guards per-record access.
package transaction

import (
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
)

// TxnID identifies a transaction.
type TxnID int32

const InvalidTxnID TxnID = -1

// TransactionState tracks a transaction through two-phase locking: locks are
// acquired while GROWING, and the first release (other than a shared release
// under READ_COMMITTED) moves the transaction to SHRINKING, after which no
// lock may be acquired.
type TransactionState int32

const (
	TxnStateGrowing TransactionState = iota
	TxnStateShrinking
	TxnStateCommitted
	TxnStateAborted
)

// IsolationLevel governs which locks a transaction takes and how early it
// may release them.
type IsolationLevel int

const (
	// IsolationReadUncommitted takes no shared locks at all.
	IsolationReadUncommitted IsolationLevel = iota
	// IsolationReadCommitted releases shared locks eagerly, without entering
	// the shrinking phase.
	IsolationReadCommitted
	// IsolationRepeatableRead holds all locks to the end.
	IsolationRepeatableRead
)

// Transaction carries the 2PL state and the record locks held. The state is
// atomic because an external aborter flips it while lock waiters are parked;
// the lock sets are touched only under the lock manager's latch or by the
// single owning thread.
type Transaction struct {
	id        TxnID
	state     atomic.Int32
	isolation IsolationLevel

	mu           sync.Mutex
	sharedSet    map[pagemanager.RID]struct{}
	exclusiveSet map[pagemanager.RID]struct{}
}

// NewTransaction creates a transaction in the growing phase.
func NewTransaction(id TxnID, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:           id,
		isolation:    isolation,
		sharedSet:    make(map[pagemanager.RID]struct{}),
		exclusiveSet: make(map[pagemanager.RID]struct{}),
	}
}

func (t *Transaction) ID() TxnID { return t.id }

func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// State returns the current 2PL state.
func (t *Transaction) State() TransactionState {
	return TransactionState(t.state.Load())
}

// SetState transitions the transaction. Safe to call from any thread.
func (t *Transaction) SetState(s TransactionState) {
	t.state.Store(int32(s))
}

// IsSharedLocked reports whether the transaction holds a shared lock on rid.
func (t *Transaction) IsSharedLocked(rid pagemanager.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedSet[rid]
	return ok
}

// IsExclusiveLocked reports whether the transaction holds an exclusive lock
// on rid.
func (t *Transaction) IsExclusiveLocked(rid pagemanager.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveSet[rid]
	return ok
}

// SharedLockSet snapshots the rids currently share-locked.
func (t *Transaction) SharedLockSet() []pagemanager.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	rids := make([]pagemanager.RID, 0, len(t.sharedSet))
	for rid := range t.sharedSet {
		rids = append(rids, rid)
	}
	return rids
}

// ExclusiveLockSet snapshots the rids currently exclusive-locked.
func (t *Transaction) ExclusiveLockSet() []pagemanager.RID {
	t.mu.Lock()
	defer t.mu.Unlock()
	rids := make([]pagemanager.RID, 0, len(t.exclusiveSet))
	for rid := range t.exclusiveSet {
		rids = append(rids, rid)
	}
	return rids
}

func (t *Transaction) addSharedLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedSet[rid] = struct{}{}
}

func (t *Transaction) addExclusiveLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveSet[rid] = struct{}{}
}

func (t *Transaction) removeSharedLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedSet, rid)
}

func (t *Transaction) removeExclusiveLock(rid pagemanager.RID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclusiveSet, rid)
}
