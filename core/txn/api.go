package txn

// ScheduleSingleHop is the fast common case: schedule and execute a
// transaction as a single hop in one call. For a non-multi, non-global,
// single-shard command it skips Schedule/ExecuteAsync entirely and
// dispatches straight to ScheduleUniqueShard, which may run the callback
// eagerly on the calling shard goroutine without ever touching the shard's
// queue. Every other shape (multi-shard, global, or part of a multi batch)
// falls back to the general Schedule-then-Execute path.
func (t *Transaction) ScheduleSingleHop(cb RunnableFunc) Status {
	if t.cb != nil {
		panic("txn: ScheduleSingleHop called while a callback is already armed: " + t.DebugId())
	}
	t.cb = cb
	t.setCoordFlag(coordExecuting, true)
	t.setCoordFlag(coordConcluding, true)

	fastPath := t.multi == nil && !t.IsGlobal() && t.uniqueShardCnt == 1
	if fastPath {
		t.shardData[0].localMask |= flagArmed
		t.armRunBarrier(1)
		t.shards.Add(t.uniqueShardID, func(shard Shard) {
			if eager := t.scheduleUniqueShard(shard); eager {
				t.decreaseRunCnt()
			}
		})
	} else {
		if t.multi == nil {
			t.scheduleInternal()
		}
		t.executeAsync()
	}

	t.waitForShardCallbacks()
	t.cb = nil
	return t.localResult
}
