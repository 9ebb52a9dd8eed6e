package txn

import "time"

// Execute arms cb as this transaction's hop callback and drives it to
// completion across every currently touched shard, blocking the caller
// until every shard has run it. conclude marks this as the transaction's
// final hop: shards release locks once their callback returns. Every hop,
// concluding or not, removes the transaction from each shard's queue.
//
// Execute may be called more than once on the same Transaction between
// SetExecCmd calls for a multi batch, each time re-arming the callback for
// whatever shards the most recent InitByArgs touched.
func (t *Transaction) Execute(cb RunnableFunc, conclude bool) Status {
	start := time.Now()
	t.cb = cb
	t.setCoordFlag(coordExecuting, true)
	t.setCoordFlag(coordConcluding, conclude)

	t.executeAsync()
	t.waitForShardCallbacks()

	t.cb = nil
	t.metrics.recordHopLatency(float64(time.Since(start)) / float64(time.Millisecond))
	return t.localResult
}

// executeAsync arms every touched shard and posts the dispatch closure to
// each; it returns immediately without waiting for any of them to run.
func (t *Transaction) executeAsync() {
	n := t.uniqueShardCnt
	if n <= 0 {
		panic("txn: ExecuteAsync called on an unscheduled or key-less transaction: " + t.DebugId())
	}
	t.refCount.Add(int32(n))

	isGlobal := t.IsGlobal()
	singleFast := n == 1 && t.multi == nil

	if singleFast {
		t.shardData[0].localMask |= flagArmed
	} else {
		for i := range t.shardData {
			if !isGlobal && t.shardData[i].argCount == 0 {
				continue
			}
			t.shardData[i].localMask |= flagArmed
		}
	}

	// Snapshot the seqlock before dispatch; each shard's dispatch closure
	// re-reads it via a release-ordered fetch-add(0) once it actually runs
	// on the shard goroutine. On a mismatch the shard skips PollExecution
	// rather than run a stale callback. Nothing in this package increments
	// seqlock, so the snapshot always matches.
	seq := t.seqlock.Load()
	t.armRunBarrier(int32(n))

	dispatch := func(shard Shard) {
		idx := t.shardIdx(shard.ID())
		localMask := t.shardData[idx].localMask
		seqAfter := t.seqlock.Add(0)
		if seqAfter == seq && localMask&flagArmed != 0 {
			shard.PollExecution("exec_cb", t)
		}
		t.refCount.Add(-1)
	}

	if singleFast {
		t.shards.Add(t.uniqueShardID, dispatch)
		return
	}
	for i := range t.shardData {
		if !isGlobal && t.shardData[i].argCount == 0 {
			continue
		}
		t.shards.Add(uint32(i), dispatch)
	}
}

func (t *Transaction) armRunBarrier(n int32) {
	t.runMu.Lock()
	t.runDone = make(chan struct{})
	t.runMu.Unlock()
	t.runCount.Store(n)
}

func (t *Transaction) waitForShardCallbacks() {
	t.runMu.Lock()
	ch := t.runDone
	t.runMu.Unlock()
	<-ch
}

func (t *Transaction) decreaseRunCnt() int32 {
	v := t.runCount.Add(-1)
	if v == 0 {
		t.runMu.Lock()
		close(t.runDone)
		t.runMu.Unlock()
	} else if v < 0 {
		panic("txn: run count went negative: " + t.DebugId())
	}
	return v
}

// RunInShard is the shard-side hop body invoked by PollExecution when t
// reaches the head of the queue (or runs out of order). It always removes t
// from the shard's queue. It returns true if this hop did not conclude the
// transaction on this shard (a further hop follows), false if it did.
func (t *Transaction) RunInShard(shard Shard) bool {
	if t.runCount.Load() <= 0 {
		panic("txn: RunInShard called with a non-positive run count: " + t.DebugId())
	}
	if t.cb == nil {
		panic("txn: RunInShard called with no callback armed: " + t.DebugId())
	}

	sid := shard.ID()
	idx := t.shardIdx(sid)
	sd := &t.shardData[idx]
	if sd.localMask&flagArmed == 0 {
		panic("txn: RunInShard called on a shard that was not armed: " + t.DebugId())
	}
	sd.localMask &^= flagArmed

	awakedPrerun := sd.localMask&flagAwakedQ != 0
	incrementalLock := t.multi != nil && t.multi.incremental
	concluding := t.hasCoordFlag(coordConcluding) && t.multi == nil
	mode := t.Mode()

	if incrementalLock && sd.localMask&flagKeylockAcquired == 0 {
		sd.localMask |= flagKeylockAcquired
		shard.DBSlice().Acquire(mode, t.lockArgs(sid))
	}

	status := t.cb(t, shard)

	if t.uniqueShardCnt == 1 {
		t.cb = nil
		t.localResult = status
	} else if status != StatusOK {
		panic("txn: multi-shard callback returned a non-OK status on " + t.DebugId())
	}

	if sd.pqPos != QueueEnd {
		shard.TxQueue().Remove(sd.pqPos)
		sd.pqPos = QueueEnd
	}

	if concluding {
		isSuspended := sd.localMask&flagSuspendedQ != 0
		if t.IsGlobal() {
			shard.ShardLock().Release(mode)
		} else {
			if !isSuspended {
				t.releaseShardLocks(shard, sid)
				sd.localMask &^= flagKeylockAcquired
			}
			sd.localMask &^= flagOutOfOrder
			if awakedPrerun {
				shard.ProcessAwakened(t)
			} else {
				shard.ProcessAwakened(nil)
			}
		}
	}

	t.decreaseRunCnt()
	return !concluding
}

// RunQuickie runs a single-shard, non-queued, non-multi transaction's
// callback immediately on the calling goroutine, bypassing the queue and
// lock table entirely because ScheduleUniqueShard already established that
// nothing else holds a conflicting lock on these keys.
func (t *Transaction) RunQuickie(shard Shard) {
	if t.multi != nil || len(t.shardData) != 1 || t.txid.Load() != 0 {
		panic("txn: RunQuickie invalid for a multi, global, or already-queued transaction: " + t.DebugId())
	}
	shard.IncQuickRun()
	t.localResult = t.cb(t, shard)
	t.shardData[0].localMask &^= flagArmed
	t.cb = nil
}

// RunNoop clears a shard's armed flag without invoking the hop callback,
// releases locks on a concluding hop, and decrements the run-count barrier.
// Nothing in this package calls it: executeAsync's dispatch closure, on a
// seqlock mismatch, skips the shard without calling RunNoop.
func (t *Transaction) RunNoop(shard Shard) {
	sid := shard.ID()
	idx := t.shardIdx(sid)
	sd := &t.shardData[idx]
	sd.localMask &^= flagArmed

	if t.uniqueShardCnt == 1 {
		t.cb = nil
		t.localResult = StatusOK
	}

	if t.hasCoordFlag(coordConcluding) {
		largs := t.lockArgs(sid)
		shard.DBSlice().Release(t.Mode(), largs)
		sd.localMask &^= flagKeylockAcquired
		if sd.localMask&flagSuspendedQ != 0 {
			sd.localMask |= flagExpiredQ
			shard.GCWatched(t, largs)
		}
	}
	t.decreaseRunCnt()
}
