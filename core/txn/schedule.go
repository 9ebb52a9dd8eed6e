package txn

import "sync/atomic"

// Schedule assigns this transaction its position in every touched shard's
// queue and acquires its intent locks, retrying against a fresh txid until
// every touched shard accepts it in the same attempt. It is a no-op if the
// transaction has already been scheduled.
//
// For a multi transaction, Schedule additionally computes the touched-shard
// set from the keys accumulated across InitByArgs calls made so far and
// locks that whole union in one attempt; sub-commands scheduled later via
// SetExecCmd do not re-lock unless the multi is incremental.
func (t *Transaction) Schedule() {
	if t.txid.Load() != 0 {
		return
	}
	if t.multi != nil {
		t.prepareMultiSchedule()
	}
	t.scheduleInternal()
}

func (t *Transaction) prepareMultiSchedule() {
	numShards := t.shards.Size()
	if t.shardData == nil {
		t.shardData = make([]perShardData, numShards)
		for i := range t.shardData {
			t.shardData[i].pqPos = QueueEnd
		}
	}

	t.multi.perShard = make(map[uint32][]multiKeyLock)
	touched := make(map[uint32]bool)
	for key, lc := range t.multi.locks {
		sid := RouteKey(key, numShards)
		t.multi.perShard[sid] = append(t.multi.perShard[sid], multiKeyLock{key: key, shared: lc.shared, exclusive: lc.exclusive})
		touched[sid] = true
	}

	t.uniqueShardCnt = 0
	for sid := range t.shardData {
		if touched[uint32(sid)] {
			t.shardData[sid].argCount = 1
			t.uniqueShardCnt++
			t.uniqueShardID = uint32(sid)
		} else {
			t.shardData[sid].argCount = 0
		}
	}

	if t.multi.opts.Has(OptGlobalTrans) {
		mode := t.Mode()
		t.shards.RunBriefInParallel(func(shard Shard) {
			shard.ShardLock().Acquire(mode)
		}, nil)
	}
}

// scheduleInternal is the retry loop: dispatch ScheduleInShard to every
// active shard, and if any of them declined (because the shard already
// committed a txid at or past this one, or because this txid's locks were
// contended and the shard's queue tail already holds a txid at least as
// large), roll every shard back with CancelInShard and retry with a fresh,
// strictly larger txid.
func (t *Transaction) scheduleInternal() {
	if t.txid.Load() != 0 {
		panic("txn: scheduleInternal called on an already-scheduled transaction: " + t.DebugId())
	}

	spanAll := t.IsGlobal()
	var numShards int
	var isActive func(uint32) bool

	if spanAll {
		numShards = t.shards.Size()
		t.shards.RunBriefInParallel(func(shard Shard) {
			shard.ShardLock().Acquire(t.Mode())
		}, nil)
	} else {
		numShards = t.uniqueShardCnt
		if numShards <= 0 {
			panic("txn: scheduleInternal called with no touched shards: " + t.DebugId())
		}
		if numShards == 1 && t.multi == nil {
			uid := t.uniqueShardID
			isActive = func(sid uint32) bool { return sid == uid }
		} else {
			isActive = func(sid uint32) bool { return t.shardData[sid].argCount > 0 }
		}
	}

	singleHop := t.hasCoordFlag(coordConcluding)
	retried := false

	for {
		t.txid.Store(t.shards.NextTxID())

		var successCnt, grantedCnt atomic.Int32
		t.shards.RunBriefInParallel(func(shard Shard) {
			ok, granted := t.scheduleInShard(shard)
			if ok {
				successCnt.Add(1)
			}
			if granted {
				grantedCnt.Add(1)
			}
			t.metrics.recordLockContention(granted || spanAll)
		}, isActive)

		t.metrics.recordSchedule(retried)

		if int(successCnt.Load()) == numShards {
			if singleHop && !spanAll && int(grantedCnt.Load()) == numShards {
				t.setCoordFlag(coordOutOfOrder, true)
			}
			t.setCoordFlag(coordScheduled, true)
			break
		}

		t.shards.RunBriefInParallel(func(shard Shard) {
			t.cancelInShard(shard)
		}, isActive)
		retried = true
	}

	if t.IsOOO() {
		for i := range t.shardData {
			t.shardData[i].localMask |= flagOutOfOrder
		}
	}
}

// scheduleInShard attempts to give t a queue slot on shard, acquiring
// intent locks first. It returns ok=false when the shard's committed txid
// has already reached txid, or when the locks were not granted uncontended
// and the queue's tail score is not smaller than txid; the coordinator must
// then CancelInShard everywhere and retry with a fresh txid.
func (t *Transaction) scheduleInShard(shard Shard) (ok, lockGranted bool) {
	sid := shard.ID()
	txid := t.txid.Load()

	if shard.CommittedTxID() >= txid {
		return false, false
	}

	if !t.IsGlobal() {
		shardUnlocked := shard.ShardLock().Check(t.Mode())
		uncontended := t.acquireShardLocks(shard, sid)
		lockGranted = uncontended && shardUnlocked

		sd := &t.shardData[t.shardIdx(sid)]
		sd.localMask |= flagKeylockAcquired

		queue := shard.TxQueue()
		if !queue.Empty() {
			proceed := lockGranted || queue.TailScore() < txid
			if !proceed {
				t.releaseShardLocks(shard, sid)
				sd.localMask &^= flagKeylockAcquired
				return false, false
			}
		}
		sd.pqPos = queue.Insert(t)
		return true, lockGranted
	}

	// Global transactions already hold the whole-shard lock; they always
	// win scheduling and simply take a queue slot.
	sd := &t.shardData[t.shardIdx(sid)]
	sd.pqPos = shard.TxQueue().Insert(t)
	return true, true
}

// cancelInShard undoes a scheduleInShard attempt that must be retried.
func (t *Transaction) cancelInShard(shard Shard) {
	sid := shard.ID()
	sd := &t.shardData[t.shardIdx(sid)]

	if sd.pqPos != QueueEnd {
		shard.TxQueue().Remove(sd.pqPos)
		sd.pqPos = QueueEnd
	}
	if !t.IsGlobal() && sd.localMask&flagKeylockAcquired != 0 {
		t.releaseShardLocks(shard, sid)
		sd.localMask &^= flagKeylockAcquired
	}
}

func (t *Transaction) acquireShardLocks(shard Shard, sid uint32) bool {
	if t.multi != nil {
		return t.acquireMultiShardLocks(shard, sid)
	}
	return shard.DBSlice().Acquire(t.Mode(), t.lockArgs(sid))
}

func (t *Transaction) releaseShardLocks(shard Shard, sid uint32) {
	if t.multi != nil {
		t.releaseMultiShardLocks(shard, sid)
		return
	}
	shard.DBSlice().Release(t.Mode(), t.lockArgs(sid))
}

func (t *Transaction) acquireMultiShardLocks(shard Shard, sid uint32) bool {
	uncontended := true
	for _, kl := range t.multi.perShard[sid] {
		mode := LockShared
		if kl.exclusive > 0 {
			mode = LockExclusive
		}
		ok := shard.DBSlice().Acquire(mode, LockArgs{DBIndex: t.dbIndex, KeyStep: 1, Args: []string{kl.key}})
		uncontended = uncontended && ok
	}
	return uncontended
}

func (t *Transaction) releaseMultiShardLocks(shard Shard, sid uint32) {
	for _, kl := range t.multi.perShard[sid] {
		mode := LockShared
		if kl.exclusive > 0 {
			mode = LockExclusive
		}
		shard.DBSlice().Release(mode, LockArgs{DBIndex: t.dbIndex, KeyStep: 1, Args: []string{kl.key}})
	}
}

// ScheduleUniqueShard is the eager path used by ScheduleSingleHop for a
// single-shard, non-multi transaction: if the shard's lock table is
// entirely free for this command's keys, run the callback immediately on
// the calling shard goroutine without ever touching the queue.
func (t *Transaction) scheduleUniqueShard(shard Shard) (eager bool) {
	if t.multi != nil || t.txid.Load() != 0 || len(t.shardData) != 1 {
		panic("txn: scheduleUniqueShard invalid preconditions: " + t.DebugId())
	}
	largs := t.lockArgs(shard.ID())

	if shard.DBSlice().CheckLock(t.Mode(), largs) {
		t.RunQuickie(shard)
		return true
	}

	t.txid.Store(t.shards.NextTxID())
	sd := &t.shardData[0]
	sd.pqPos = shard.TxQueue().Insert(t)

	shard.DBSlice().Acquire(t.Mode(), largs)
	sd.localMask |= flagKeylockAcquired

	shard.PollExecution("schedule_unique", nil)
	return false
}
