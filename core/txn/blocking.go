package txn

import "time"

// AddToWatchedShardCb is the hop callback that registers a blocking
// command's keys in a shard's watch table. It is the callback Execute is
// armed with at the start of WaitOnWatch.
func (t *Transaction) AddToWatchedShardCb(tx *Transaction, shard Shard) Status {
	sid := shard.ID()
	sd := &t.shardData[t.shardIdx(sid)]
	if sd.localMask&flagSuspendedQ != 0 {
		panic("txn: AddToWatchedShardCb called twice for the same shard: " + t.DebugId())
	}
	for _, key := range t.ShardArgsInShard(sid) {
		shard.AddWatched(key, t)
	}
	sd.localMask |= flagSuspendedQ
	return StatusOK
}

// RemoveFromWatchedShardCb unregisters a shard's watch-table entries for t.
// It keeps AWAKED_Q/EXPIRED_Q and clears every other local flag,
// SUSPENDED_Q included: a shard that has already recorded t as woken or
// expired must keep that fact visible to ProcessAwakened/GC even after the
// watch registration itself is torn down. Watch-table entries are removed
// only when SUSPENDED_Q was set. It reports whether any of SUSPENDED_Q,
// AWAKED_Q or EXPIRED_Q was set on this shard.
func (t *Transaction) RemoveFromWatchedShardCb(shard Shard) bool {
	sid := shard.ID()
	sd := &t.shardData[t.shardIdx(sid)]

	const keep = flagAwakedQ | flagExpiredQ
	if sd.localMask&(flagSuspendedQ|keep) == 0 {
		return false
	}
	wasSuspended := sd.localMask&flagSuspendedQ != 0
	sd.localMask &= keep

	if wasSuspended {
		for _, key := range t.ShardArgsInShard(sid) {
			shard.RemovedWatched(key, t)
		}
	}
	return true
}

// UnregisterWatch tears down a blocking command's watch registrations on
// every shard it touched. Safe to call even if WaitOnWatch never actually
// suspended (e.g. the key was already present on the first check).
func (t *Transaction) UnregisterWatch() {
	t.Execute(func(tx *Transaction, shard Shard) Status {
		tx.RemoveFromWatchedShardCb(shard)
		return StatusOK
	}, true)
}

// WaitOnWatch registers this transaction's keys in every touched shard's
// watch table, then blocks until a shard notifies it of a write to one of
// those keys, the deadline passes, or the connection is closed
// (BreakOnClose). A zero deadline means wait indefinitely. It reports
// whether the wait ended because of a notification (true) rather than a
// timeout or cancellation (false).
func (t *Transaction) WaitOnWatch(deadline time.Time) bool {
	t.Execute(t.AddToWatchedShardCb, true)
	t.setCoordFlag(coordBlocked, true)

	t.blockMu.Lock()
	for !t.hasCoordFlag(coordCancelled) && t.notifyTxID.Load() == sentinelNoNotify {
		if deadline.IsZero() {
			t.blockCond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.AfterFunc(remaining, func() {
			t.blockMu.Lock()
			t.blockCond.Broadcast()
			t.blockMu.Unlock()
		})
		t.blockCond.Wait()
		timer.Stop()
	}
	cancelled := t.hasCoordFlag(coordCancelled)
	notified := t.notifyTxID.Load() != sentinelNoNotify
	t.blockMu.Unlock()

	if cancelled || !notified {
		t.ExpireBlocking()
		t.setCoordFlag(coordBlocked, false)
		return false
	}

	t.converge()
	t.setCoordFlag(coordBlocked, false)
	return true
}

// converge blocks until every touched shard has caught up to the txid that
// woke this transaction, so that a read issued right after WaitOnWatch
// returns observes the write that woke it even if that write landed on a
// different shard.
func (t *Transaction) converge() {
	if t.uniqueShardCnt <= 1 {
		return
	}
	t.armRunBarrier(int32(t.uniqueShardCnt))
	for i := range t.shardData {
		if t.shardData[i].argCount == 0 {
			continue
		}
		sid := uint32(i)
		t.shards.Add(sid, func(shard Shard) {
			idx := t.shardIdx(sid)
			sd := &t.shardData[idx]
			notify := t.notifyTxID.Load()
			if sd.localMask&flagAwakedQ != 0 || shard.HasResultConverged(notify) {
				t.decreaseRunCnt()
				return
			}
			shard.WaitForConvergence(notify, t)
		})
	}
	t.waitForShardCallbacks()
}

// ExpireBlocking releases a blocking transaction's locks and marks every
// touched shard EXPIRED_Q after its deadline passes without a notification
// (or the wait is cancelled). Watch-table entries stay in place until
// UnregisterWatch removes them.
func (t *Transaction) ExpireBlocking() {
	if t.IsGlobal() {
		panic("txn: ExpireBlocking called on a global transaction: " + t.DebugId())
	}
	n := t.uniqueShardCnt
	t.armRunBarrier(int32(n))

	expire := func(shard Shard) {
		sid := shard.ID()
		largs := t.lockArgs(sid)
		shard.DBSlice().Release(t.Mode(), largs)

		sd := &t.shardData[t.shardIdx(sid)]
		sd.localMask |= flagExpiredQ
		sd.localMask &^= flagKeylockAcquired

		shard.PollExecution("expire_cb", nil)
		t.decreaseRunCnt()
	}

	if n == 1 {
		t.shards.Add(t.uniqueShardID, expire)
	} else {
		for i := range t.shardData {
			if t.shardData[i].argCount == 0 {
				continue
			}
			t.shards.Add(uint32(i), expire)
		}
	}
	t.waitForShardCallbacks()
}

// NotifySuspended is called by a shard's own worker goroutine (never by the
// coordinator) when a write commits against one of t's watched keys on
// that shard. It records the lowest committing txid seen so far and wakes
// WaitOnWatch. It returns false if t had already expired on this shard.
func (t *Transaction) NotifySuspended(committedTxID uint64, sid uint32) bool {
	sd := &t.shardData[t.shardIdx(sid)]

	if sd.localMask&flagSuspendedQ == 0 {
		if sd.localMask&flagAwakedQ != 0 {
			return true
		}
		panic("txn: NotifySuspended called on a shard not in the watch table: " + t.DebugId())
	}
	if sd.localMask&flagExpiredQ != 0 {
		return false
	}

	sd.localMask &^= flagSuspendedQ
	sd.localMask |= flagAwakedQ

	for {
		cur := t.notifyTxID.Load()
		if committedTxID >= cur {
			return true
		}
		if t.notifyTxID.CompareAndSwap(cur, committedTxID) {
			t.blockMu.Lock()
			t.blockCond.Broadcast()
			t.blockMu.Unlock()
			return true
		}
	}
}

// BreakOnClose wakes a blocked WaitOnWatch call because the connection
// that issued it went away.
func (t *Transaction) BreakOnClose() {
	if !t.hasCoordFlag(coordBlocked) {
		return
	}
	t.setCoordFlag(coordCancelled, true)
	t.blockMu.Lock()
	t.blockCond.Broadcast()
	t.blockMu.Unlock()
}

// findFirstWinner is one shard's candidate answer while FindFirst picks
// the deterministic winner across every touched shard.
type findFirstWinner struct {
	found    bool
	status   Status
	shardID  uint32
	argIndex int
	value    string
}

// FindFirst probes every touched shard for the first (in original
// argument order) of this transaction's keys that exists, used by
// commands like BLPOP that must pick one winner deterministically across
// shards. If notifyTxID has been set (this FindFirst follows a
// WaitOnWatch wake), only shards whose committed txid equals notifyTxID
// are probed; a shard whose committed txid is lower or higher reports no
// match.
func (t *Transaction) FindFirst() (FindFirstResult, error) {
	notify := t.notifyTxID.Load()
	winners := make([]findFirstWinner, t.shards.Size())

	t.Execute(func(tx *Transaction, shard Shard) Status {
		sid := shard.ID()
		if notify != sentinelNoNotify && shard.CommittedTxID() != notify {
			return StatusOK
		}
		res, status := shard.DBSlice().FindFirst(tx.dbIndex, tx.ShardArgsInShard(sid))
		if status == StatusWrongType {
			winners[sid] = findFirstWinner{found: true, status: StatusWrongType}
			return StatusOK
		}
		if res.Found {
			winners[sid] = findFirstWinner{
				found:    true,
				status:   StatusOK,
				shardID:  sid,
				argIndex: res.ArgIndex,
				value:    res.Value,
			}
		}
		return StatusOK
	}, false)

	best := -1
	var bestWinner findFirstWinner
	for sid, w := range winners {
		if !w.found {
			continue
		}
		if w.status == StatusWrongType {
			return FindFirstResult{}, ErrWrongType
		}
		origIdx := t.ReverseArgIndex(uint32(sid), w.argIndex)
		if best == -1 || origIdx < best {
			best = origIdx
			bestWinner = w
		}
	}
	if best == -1 {
		return FindFirstResult{}, ErrKeyNotFound
	}
	// best is already the winner's original caller-order argument index
	// (computed above via ReverseArgIndex); callers index straight into
	// their own args slice with it, with no shard-local translation needed.
	return FindFirstResult{Found: true, ArgIndex: best, Value: bestWinner.value}, nil
}
