package txn

// PrescanExecCmd accumulates cid's keys into a multi batch's union lock set
// ahead of execution, without installing cid as the active command. A
// MULTI/EXEC caller must run one PrescanExecCmd per queued sub-command
// before the first SetExecCmd/Execute pair: SetExecCmd's first call
// triggers Schedule, which locks whatever union prescanning has recorded so
// far, so any sub-command prescanned after that point would go unlocked.
func (t *Transaction) PrescanExecCmd(cid CommandDescriptor, dbIndex int, args []string) error {
	if t.multi == nil {
		panic("txn: PrescanExecCmd called on a non-multi transaction: " + t.DebugId())
	}
	saved := t.cid
	t.cid = cid
	err := t.InitByArgs(dbIndex, args)
	t.cid = saved
	return err
}

// SetExecCmd installs cid as the command for the next sub-command of a
// multi batch. The first call triggers Schedule (locking the union of keys
// recorded so far); subsequent calls just re-point the transaction at a new
// command descriptor so the following InitByArgs/Execute pair re-routes
// against it.
func (t *Transaction) SetExecCmd(cid CommandDescriptor) {
	if t.multi == nil {
		panic("txn: SetExecCmd called on a non-multi transaction: " + t.DebugId())
	}
	if t.cb != nil {
		panic("txn: SetExecCmd called while a callback is still armed: " + t.DebugId())
	}

	t.Schedule()

	t.uniqueShardCnt = 0
	t.args = nil
	t.reverseIndex = nil
	t.cid = cid
}

// UnlockMulti releases every lock this multi transaction accumulated
// across its whole batch and drops it from every shard's queue and watch
// bookkeeping. It must be called exactly once, after the batch's last
// sub-command has concluded.
func (t *Transaction) UnlockMulti() {
	if t.multi == nil {
		panic("txn: UnlockMulti called on a non-multi transaction: " + t.DebugId())
	}
	numShards := t.shards.Size()
	t.armRunBarrier(int32(numShards))

	for i := 0; i < numShards; i++ {
		sid := uint32(i)
		t.shards.Add(sid, func(shard Shard) {
			if t.multi.opts.Has(OptGlobalTrans) {
				shard.ShardLock().Release(LockExclusive)
			}
			for _, kl := range t.multi.perShard[sid] {
				if kl.shared > 0 {
					shard.DBSlice().ReleaseCount(LockShared, t.dbIndex, kl.key, kl.shared)
				}
				if kl.exclusive > 0 {
					shard.DBSlice().ReleaseCount(LockExclusive, t.dbIndex, kl.key, kl.exclusive)
				}
			}

			idx := t.shardIdx(sid)
			sd := &t.shardData[idx]
			if sd.pqPos != QueueEnd {
				if front := shard.TxQueue().Front(); front != t {
					panic("txn: UnlockMulti found a transaction other than itself at the queue head")
				}
				shard.TxQueue().PopFront()
				sd.pqPos = QueueEnd
			}

			shard.ShutdownMulti(t)
			shard.ProcessAwakened(nil)
			shard.PollExecution("unlock_multi", nil)

			t.decreaseRunCnt()
		})
	}

	t.waitForShardCallbacks()
}
