package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rid(n uint32) RID { return RID{PageID: 1, Slot: n} }

func TestSharedLocksAreCompatible(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	t2 := New(2, RepeatableRead)
	lm.Register(t1)
	lm.Register(t2)

	require.NoError(t, lm.LockShared(t1, rid(1)))
	require.NoError(t, lm.LockShared(t2, rid(1)))

	shared, _ := t1.HeldLockCount()
	require.Equal(t, 1, shared)
}

func TestExclusiveLockExcludesSharedLock(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	t2 := New(2, RepeatableRead)
	lm.Register(t1)
	lm.Register(t2)

	require.NoError(t, lm.LockExclusive(t1, rid(1)))

	done := make(chan error, 1)
	go func() { done <- lm.LockShared(t2, rid(1)) }()

	select {
	case <-done:
		t.Fatal("second transaction should have blocked behind the exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(t1, rid(1)))
	require.NoError(t, <-done)
}

func TestLockOnShrinkingPhaseAborts(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	lm.Register(t1)

	require.NoError(t, lm.LockShared(t1, rid(1)))
	require.NoError(t, lm.Unlock(t1, rid(1))) // enters Shrinking
	require.Equal(t, Shrinking, t1.State())

	err := lm.LockShared(t1, rid(2))
	require.Error(t, err)
	require.Equal(t, Aborted, t1.State())

	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AbortReasonLockOnShrinking, abortErr.Reason)
}

func TestReadUncommittedSharedLockAborts(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, ReadUncommitted)
	lm.Register(t1)

	err := lm.LockShared(t1, rid(1))
	require.Error(t, err)
	require.Equal(t, Aborted, t1.State())

	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AbortReasonLockSharedOnReadUncommitted, abortErr.Reason)

	shared, exclusive := t1.HeldLockCount()
	require.Zero(t, shared)
	require.Zero(t, exclusive)
}

func TestReadUncommittedExclusiveLockStillGranted(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, ReadUncommitted)
	lm.Register(t1)

	require.NoError(t, lm.LockExclusive(t1, rid(1)))
	_, exclusive := t1.HeldLockCount()
	require.Equal(t, 1, exclusive)
}

func TestUpgradeWaitsForOtherSharedHoldersRegardlessOfQueuePosition(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	t2 := New(2, RepeatableRead)
	lm.Register(t1)
	lm.Register(t2)

	// t1 is first in the queue for this RID, so a position-based grant
	// check would let its upgrade through immediately even though t2's
	// shared lock is still held.
	require.NoError(t, lm.LockShared(t1, rid(1)))
	require.NoError(t, lm.LockShared(t2, rid(1)))

	upgraded := make(chan error, 1)
	go func() { upgraded <- lm.LockUpgrade(t1, rid(1)) }()

	select {
	case err := <-upgraded:
		t.Fatalf("upgrade must not be granted while t2 still holds a shared lock, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, exclusive := t1.HeldLockCount()
	require.Zero(t, exclusive, "t1 must not hold the exclusive lock yet")

	require.NoError(t, lm.Unlock(t2, rid(1)))
	require.NoError(t, <-upgraded)

	_, exclusive = t1.HeldLockCount()
	require.Equal(t, 1, exclusive)
}

func TestConcurrentUpgradeConflictAbortsSecondUpgrader(t *testing.T) {
	lm := NewLockManager(20*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	t2 := New(2, RepeatableRead)
	lm.Register(t1)
	lm.Register(t2)

	require.NoError(t, lm.LockShared(t1, rid(1)))
	require.NoError(t, lm.LockShared(t2, rid(1)))

	upgrade1 := make(chan error, 1)
	go func() { upgrade1 <- lm.LockUpgrade(t1, rid(1)) }()

	time.Sleep(10 * time.Millisecond) // let t1's upgrade register first

	err := lm.LockUpgrade(t2, rid(1))
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AbortReasonUpgradeConflict, abortErr.Reason)

	require.NoError(t, lm.Unlock(t2, rid(1)))
	require.NoError(t, <-upgrade1)
}

func TestDeadlockDetectorAbortsYoungestTransaction(t *testing.T) {
	lm := NewLockManager(10*time.Millisecond, nil, nil)
	defer lm.Stop()

	t1 := New(1, RepeatableRead)
	t2 := New(2, RepeatableRead)
	lm.Register(t1)
	lm.Register(t2)

	require.NoError(t, lm.LockExclusive(t1, rid(1)))
	require.NoError(t, lm.LockExclusive(t2, rid(2)))

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() { errCh1 <- lm.LockExclusive(t1, rid(2)) }()
	go func() { errCh2 <- lm.LockExclusive(t2, rid(1)) }()

	var winner, loser *Transaction
	var loserErr error
	select {
	case err := <-errCh1:
		loser, loserErr = t1, err
		winner = t2
	case err := <-errCh2:
		loser, loserErr = t2, err
		winner = t1
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was never detected")
	}

	require.Error(t, loserErr)
	require.Equal(t, ID(2), loser.ID(), "the youngest transaction in the cycle should be aborted")

	// Simulate the aborted transaction's rollback releasing its locks,
	// which should let the winner's still-pending request through.
	lm.ReleaseAll(loser)

	var winnerErr error
	select {
	case winnerErr = <-errCh1:
		if winner.ID() != 1 {
			t.Fatal("unexpected result on winner's channel")
		}
	case winnerErr = <-errCh2:
		if winner.ID() != 2 {
			t.Fatal("unexpected result on winner's channel")
		}
	case <-time.After(time.Second):
		t.Fatal("winner never acquired its lock after the loser released")
	}
	require.NoError(t, winnerErr)

	lm.ReleaseAll(winner)
}
