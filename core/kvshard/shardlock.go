package kvshard

import (
	"sync"
	"sync/atomic"

	"github.com/shardflow/shardflow/core/txn"
)

// shardLock is the concrete txn.ShardLock used by OptGlobalTrans commands:
// a real blocking read/write lock over the whole shard, since global
// commands (e.g. FLUSHDB) are rare enough that blocking is an acceptable
// cost. Check is a non-blocking best-effort peek used only to help decide
// whether a new single-hop transaction's lock grant was uncontended.
type shardLock struct {
	mu            sync.RWMutex
	sharedCount   atomic.Int32
	exclusiveHeld atomic.Bool
}

func newShardLock() *shardLock { return &shardLock{} }

func (l *shardLock) Acquire(mode txn.LockMode) {
	if mode == txn.LockShared {
		l.mu.RLock()
		l.sharedCount.Add(1)
		return
	}
	l.mu.Lock()
	l.exclusiveHeld.Store(true)
}

func (l *shardLock) Release(mode txn.LockMode) {
	if mode == txn.LockShared {
		l.sharedCount.Add(-1)
		l.mu.RUnlock()
		return
	}
	l.exclusiveHeld.Store(false)
	l.mu.Unlock()
}

func (l *shardLock) Check(mode txn.LockMode) bool {
	if mode == txn.LockShared {
		return !l.exclusiveHeld.Load()
	}
	return !l.exclusiveHeld.Load() && l.sharedCount.Load() == 0
}
