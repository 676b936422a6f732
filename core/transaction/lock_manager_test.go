package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

var testRID = pagemanager.RID{PageID: 3, SlotNum: 14}

func newLockManager(t *testing.T) *LockManager {
	t.Helper()
	return NewLockManager(zaptest.NewLogger(t))
}

func requireAbortReason(t *testing.T, err error, reason AbortReason) {
	t.Helper()
	var abortErr *TransactionAbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, reason, abortErr.Reason)
}

func TestLockManager_SharedLocksCoexist(t *testing.T) {
	lm := newLockManager(t)
	t1 := NewTransaction(1, IsolationRepeatableRead)
	t2 := NewTransaction(2, IsolationRepeatableRead)

	require.NoError(t, lm.LockShared(t1, testRID))
	require.NoError(t, lm.LockShared(t2, testRID))
	require.True(t, t1.IsSharedLocked(testRID))
	require.True(t, t2.IsSharedLocked(testRID))

	require.NoError(t, lm.Unlock(t1, testRID))
	require.NoError(t, lm.Unlock(t2, testRID))
}

func TestLockManager_ExclusiveExcludesShared(t *testing.T) {
	lm := newLockManager(t)
	writer := NewTransaction(1, IsolationRepeatableRead)
	reader := NewTransaction(2, IsolationRepeatableRead)

	require.NoError(t, lm.LockExclusive(writer, testRID))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.LockShared(reader, testRID)
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock granted while exclusive is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(writer, testRID))
	require.NoError(t, <-acquired)
	require.True(t, reader.IsSharedLocked(testRID))
	require.NoError(t, lm.Unlock(reader, testRID))
}

func TestLockManager_ExclusiveWaitsForAllShared(t *testing.T) {
	lm := newLockManager(t)
	r1 := NewTransaction(1, IsolationRepeatableRead)
	r2 := NewTransaction(2, IsolationRepeatableRead)
	w := NewTransaction(3, IsolationRepeatableRead)

	require.NoError(t, lm.LockShared(r1, testRID))
	require.NoError(t, lm.LockShared(r2, testRID))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.LockExclusive(w, testRID)
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock granted while shared locks are held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(r1, testRID))
	select {
	case <-acquired:
		t.Fatal("exclusive lock granted while one shared lock remains")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(r2, testRID))
	require.NoError(t, <-acquired)
	require.True(t, w.IsExclusiveLocked(testRID))
	require.NoError(t, lm.Unlock(w, testRID))
}

func TestLockManager_UpgradeWaitsForOtherReaders(t *testing.T) {
	lm := newLockManager(t)
	t1 := NewTransaction(1, IsolationRepeatableRead)
	t2 := NewTransaction(2, IsolationRepeatableRead)

	require.NoError(t, lm.LockShared(t1, testRID))
	require.NoError(t, lm.LockShared(t2, testRID))

	upgraded := make(chan error, 1)
	go func() {
		upgraded <- lm.LockUpgrade(t1, testRID)
	}()

	select {
	case <-upgraded:
		t.Fatal("upgrade completed while another shared holder remains")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(t2, testRID))
	require.NoError(t, <-upgraded)
	require.True(t, t1.IsExclusiveLocked(testRID))
	require.False(t, t1.IsSharedLocked(testRID))

	// The upgraded lock releases like any exclusive lock, and a later
	// writer gets through.
	require.NoError(t, lm.Unlock(t1, testRID))
	t3 := NewTransaction(3, IsolationRepeatableRead)
	require.NoError(t, lm.LockExclusive(t3, testRID))
	require.NoError(t, lm.Unlock(t3, testRID))
}

func TestLockManager_UpgradeConflictAbortsSecondUpgrader(t *testing.T) {
	lm := newLockManager(t)
	t1 := NewTransaction(1, IsolationRepeatableRead)
	t2 := NewTransaction(2, IsolationRepeatableRead)

	require.NoError(t, lm.LockShared(t1, testRID))
	require.NoError(t, lm.LockShared(t2, testRID))

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- lm.LockUpgrade(t1, testRID)
	}()
	go func() {
		defer wg.Done()
		results <- lm.LockUpgrade(t2, testRID)
	}()

	// Exactly one upgrader aborts with UPGRADE_CONFLICT; the winner is
	// blocked until the loser's shared lock goes away.
	var abortErr *TransactionAbortError
	require.Eventually(t, func() bool {
		return t1.State() == TxnStateAborted || t2.State() == TxnStateAborted
	}, 2*time.Second, 5*time.Millisecond)

	loser, winner := t1, t2
	if t2.State() == TxnStateAborted {
		loser, winner = t2, t1
	}
	require.NoError(t, lm.Unlock(loser, testRID))
	wg.Wait()

	errs := []error{<-results, <-results}
	var abortCount, grantCount int
	for _, err := range errs {
		if err == nil {
			grantCount++
			continue
		}
		require.ErrorAs(t, err, &abortErr)
		require.Equal(t, AbortUpgradeConflict, abortErr.Reason)
		abortCount++
	}
	require.Equal(t, 1, abortCount)
	require.Equal(t, 1, grantCount)
	require.True(t, winner.IsExclusiveLocked(testRID))
	require.False(t, winner.IsSharedLocked(testRID))
}

func TestLockManager_LockOnShrinkingAborts(t *testing.T) {
	lm := newLockManager(t)
	txn := NewTransaction(1, IsolationRepeatableRead)

	require.NoError(t, lm.LockShared(txn, testRID))
	require.NoError(t, lm.Unlock(txn, testRID))
	require.Equal(t, TxnStateShrinking, txn.State())

	err := lm.LockShared(txn, testRID)
	requireAbortReason(t, err, AbortLockOnShrinking)
	require.Equal(t, TxnStateAborted, txn.State())

	other := pagemanager.RID{PageID: 4, SlotNum: 0}
	txn2 := NewTransaction(2, IsolationRepeatableRead)
	require.NoError(t, lm.LockExclusive(txn2, other))
	require.NoError(t, lm.Unlock(txn2, other))
	err = lm.LockExclusive(txn2, other)
	requireAbortReason(t, err, AbortLockOnShrinking)
}

func TestLockManager_SharedOnReadUncommittedAborts(t *testing.T) {
	lm := newLockManager(t)
	txn := NewTransaction(1, IsolationReadUncommitted)

	err := lm.LockShared(txn, testRID)
	requireAbortReason(t, err, AbortLockSharedOnReadUncommitted)
	require.Equal(t, TxnStateAborted, txn.State())
}

func TestLockManager_ReadCommittedReleasesSharedEagerly(t *testing.T) {
	lm := newLockManager(t)
	txn := NewTransaction(1, IsolationReadCommitted)

	// Shared unlocks under READ_COMMITTED do not start the shrinking phase.
	require.NoError(t, lm.LockShared(txn, testRID))
	require.NoError(t, lm.Unlock(txn, testRID))
	require.Equal(t, TxnStateGrowing, txn.State())

	require.NoError(t, lm.LockShared(txn, testRID))
	require.NoError(t, lm.Unlock(txn, testRID))

	// An exclusive unlock still does.
	require.NoError(t, lm.LockExclusive(txn, testRID))
	require.NoError(t, lm.Unlock(txn, testRID))
	require.Equal(t, TxnStateShrinking, txn.State())
}

func TestLockManager_ExternalAbortUnblocksWaiter(t *testing.T) {
	lm := newLockManager(t)
	holder := NewTransaction(1, IsolationRepeatableRead)
	waiter := NewTransaction(2, IsolationRepeatableRead)

	require.NoError(t, lm.LockExclusive(holder, testRID))

	result := make(chan error, 1)
	go func() {
		result <- lm.LockExclusive(waiter, testRID)
	}()

	select {
	case <-result:
		t.Fatal("waiter acquired a held exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	// An external aborter flips the state and wakes the queue; the waiter
	// returns without acquiring.
	waiter.SetState(TxnStateAborted)
	lm.WakeWaiters(testRID)

	err := <-result
	requireAbortReason(t, err, AbortDeadlock)
	require.False(t, waiter.IsExclusiveLocked(testRID))

	// The holder is unaffected.
	require.NoError(t, lm.Unlock(holder, testRID))
}

func TestLockManager_UnlockWithoutLock(t *testing.T) {
	lm := newLockManager(t)
	txn := NewTransaction(1, IsolationRepeatableRead)

	require.ErrorIs(t, lm.Unlock(txn, testRID), ErrLockNotHeld)

	other := NewTransaction(2, IsolationRepeatableRead)
	require.NoError(t, lm.LockShared(other, testRID))
	require.ErrorIs(t, lm.Unlock(txn, testRID), ErrLockNotHeld)
	require.NoError(t, lm.Unlock(other, testRID))
}

func TestLockManager_NoSharedAndExclusiveTogether(t *testing.T) {
	lm := newLockManager(t)

	stop := make(chan struct{})
	var mu sync.Mutex
	holders := make(map[TxnID]LockMode)

	checkInvariant := func() {
		mu.Lock()
		defer mu.Unlock()
		exclusives, shareds := 0, 0
		for _, mode := range holders {
			if mode == LockModeExclusive {
				exclusives++
			} else {
				shareds++
			}
		}
		if exclusives > 0 {
			require.Equal(t, 1, exclusives)
			require.Zero(t, shareds)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for iter := 0; ; iter++ {
				select {
				case <-stop:
					return
				default:
				}
				txn := NewTransaction(TxnID(id*1000+iter), IsolationRepeatableRead)
				mode := LockModeShared
				if id%2 == 0 {
					mode = LockModeExclusive
				}
				var err error
				if mode == LockModeExclusive {
					err = lm.LockExclusive(txn, testRID)
				} else {
					err = lm.LockShared(txn, testRID)
				}
				if err != nil {
					continue
				}
				mu.Lock()
				holders[txn.ID()] = mode
				mu.Unlock()
				checkInvariant()
				mu.Lock()
				delete(holders, txn.ID())
				mu.Unlock()
				require.NoError(t, lm.Unlock(txn, testRID))
			}
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}
