package kvshard

import (
	"fmt"
	"sync"

	"github.com/shardflow/shardflow/core/txn"
)

// lockCount is the per-key intent-lock bookkeeping: how many shared and
// how many exclusive grants are currently outstanding. The coordinator
// already serializes conflicting access through scheduling order, so the
// table only needs aggregate counts, not per-owner identity.
type lockCount struct {
	shared    int
	exclusive int
}

// lockTable is one shard's per-(database, key) intent-lock table.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockCount
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockCount)}
}

func lockKey(dbIndex int, key string) string {
	return fmt.Sprintf("%d:%s", dbIndex, key)
}

func (lt *lockTable) acquire(mode txn.LockMode, dbIndex int, key string) (uncontended bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	k := lockKey(dbIndex, key)
	c := lt.locks[k]
	if c == nil {
		c = &lockCount{}
		lt.locks[k] = c
	}
	if mode == txn.LockShared {
		uncontended = c.exclusive == 0
		c.shared++
	} else {
		uncontended = c.shared == 0 && c.exclusive == 0
		c.exclusive++
	}
	return uncontended
}

func (lt *lockTable) release(mode txn.LockMode, dbIndex int, key string) {
	lt.releaseCount(mode, dbIndex, key, 1)
}

func (lt *lockTable) releaseCount(mode txn.LockMode, dbIndex int, key string, count int) {
	if count <= 0 {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	k := lockKey(dbIndex, key)
	c := lt.locks[k]
	if c == nil {
		return
	}
	if mode == txn.LockShared {
		c.shared -= count
		if c.shared < 0 {
			c.shared = 0
		}
	} else {
		c.exclusive -= count
		if c.exclusive < 0 {
			c.exclusive = 0
		}
	}
	if c.shared == 0 && c.exclusive == 0 {
		delete(lt.locks, k)
	}
}

func (lt *lockTable) check(mode txn.LockMode, dbIndex int, key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	c := lt.locks[lockKey(dbIndex, key)]
	if c == nil {
		return true
	}
	if mode == txn.LockShared {
		return c.exclusive == 0
	}
	return c.shared == 0 && c.exclusive == 0
}
