package kvshard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardflow/shardflow/core/txn"
)

func TestLockTableSharedGrantsAreUncontended(t *testing.T) {
	lt := newLockTable()
	require.True(t, lt.acquire(txn.LockShared, 0, "k"))
	require.True(t, lt.acquire(txn.LockShared, 0, "k"))
	require.True(t, lt.check(txn.LockShared, 0, "k"))
	require.False(t, lt.check(txn.LockExclusive, 0, "k"))
}

func TestLockTableExclusiveContendsAgainstShared(t *testing.T) {
	lt := newLockTable()
	require.True(t, lt.acquire(txn.LockShared, 0, "k"))
	require.False(t, lt.acquire(txn.LockExclusive, 0, "k"))
}

func TestLockTableReleaseCountClampsAtZero(t *testing.T) {
	lt := newLockTable()
	lt.acquire(txn.LockShared, 0, "k")
	lt.releaseCount(txn.LockShared, 0, "k", 5)
	require.True(t, lt.check(txn.LockExclusive, 0, "k"), "releasing more than held should clamp at zero, not go negative")
}

func TestLockTableEntryIsGCedOnceEmpty(t *testing.T) {
	lt := newLockTable()
	lt.acquire(txn.LockExclusive, 0, "k")
	lt.release(txn.LockExclusive, 0, "k")
	require.Empty(t, lt.locks, "a key with no outstanding grants should be dropped from the table")
}

func TestLockTableDatabasesAreIsolated(t *testing.T) {
	lt := newLockTable()
	lt.acquire(txn.LockExclusive, 0, "k")
	require.True(t, lt.check(txn.LockExclusive, 1, "k"), "the same key in a different db index must not be contended")
}
