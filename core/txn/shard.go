package txn

// QueueEnd is the sentinel queue position meaning "not currently queued on
// this shard".
const QueueEnd int = -1

// LockMode is the granularity at which a command's keys are locked.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

func (m LockMode) String() string {
	if m == LockShared {
		return "SHARED"
	}
	return "EXCLUSIVE"
}

// LockArgs bundles everything a shard's lock table needs to acquire or
// release the intent locks for one hop: the logical database, the key
// stride (1 for bare keys, 2 for key/value pairs so the table can skip
// values), and the slice of this shard's keys for the current command.
type LockArgs struct {
	DBIndex int
	KeyStep int
	Args    []string
}

// ShardLock is the whole-shard lock used by OptGlobalTrans commands, held
// instead of per-key intent locks.
type ShardLock interface {
	Acquire(mode LockMode)
	Release(mode LockMode)
	Check(mode LockMode) bool
}

// FindFirstResult is one shard's answer to a FindFirst probe. ArgIndex is
// relative to that shard's own argument slice (tx.ShardArgsInShard); see
// Transaction.FindFirst, which translates the winning shard's ArgIndex back
// to the caller's original argument order before returning.
type FindFirstResult struct {
	Found    bool
	ArgIndex int
	Value    string
}

// DbSlice is the per-shard key/value store and its lock table. Acquire
// reports whether the lock was granted without contending against another
// owner (an "uncontended" grant lets the coordinator skip queueing and run
// the out-of-order fast path).
type DbSlice interface {
	Acquire(mode LockMode, largs LockArgs) (uncontended bool)
	Release(mode LockMode, largs LockArgs)
	ReleaseCount(mode LockMode, dbIndex int, key string, count int)
	CheckLock(mode LockMode, largs LockArgs) bool
	FindFirst(dbIndex int, args []string) (FindFirstResult, Status)
}

// TxQueue is a shard's ordered queue of transactions waiting their turn.
// The scheduler compares TailScore with a new transaction's txid to decide
// whether that transaction, when its locks were contended, may join the
// queue in the current scheduling attempt.
type TxQueue interface {
	Insert(t *Transaction) int
	Remove(pos int)
	At(pos int) *Transaction
	Front() *Transaction
	PopFront() *Transaction
	TailScore() uint64
	Empty() bool
	Len() int
}

// Shard is one shard's worker: the single-threaded owner of a DbSlice, a
// TxQueue, and a watch table for blocking commands. All of Shard's methods
// are only ever safe to call from within that shard's own worker
// goroutine, which is exactly where the coordinator dispatches through
// ShardSet.Add/RunBriefInParallel.
type Shard interface {
	ID() uint32
	CommittedTxID() uint64
	ShardLock() ShardLock
	DBSlice() DbSlice
	TxQueue() TxQueue

	// PollExecution drains this shard's queue head while it is runnable,
	// invoking RunInShard for t if t is the head and the hop's callback is
	// still live for it. tag is a human-readable label for logging/tracing.
	PollExecution(tag string, t *Transaction)
	// ProcessAwakened re-evaluates the watch table after a hop concludes;
	// woken is the transaction that just ran if it had been in the watch
	// table, else nil.
	ProcessAwakened(woken *Transaction)
	// ShutdownMulti releases any shard-local bookkeeping kept for a multi
	// transaction once its batch has fully unwound.
	ShutdownMulti(t *Transaction)
	// GCWatched reaps t's watch-table entries for the given keys after it
	// expired without ever calling UnregisterWatch.
	GCWatched(t *Transaction, largs LockArgs)
	AddWatched(key string, t *Transaction)
	RemovedWatched(key string, t *Transaction)
	// NotifyWrite is called by a command's own hop callback right after it
	// commits a write that a blocked command might be waiting on (e.g. an
	// RPUSH onto a key BLPOP is watching).
	NotifyWrite(key string)

	// HasResultConverged reports whether this shard has already applied
	// every write up to notifyTxID, for the post-wake convergence check.
	HasResultConverged(notifyTxID uint64) bool
	// WaitForConvergence arranges for t's run-count to be decremented once
	// this shard reaches notifyTxID.
	WaitForConvergence(notifyTxID uint64, t *Transaction)

	// IncQuickRun records that a single-shard transaction ran the eager
	// RunQuickie path instead of being queued.
	IncQuickRun()
}

// ShardSet is the fixed collection of shards a coordinator dispatches
// across. NextTxID hands out the process-wide monotonically increasing
// transaction id used for ordering and the OOO fast path.
type ShardSet interface {
	Size() int
	NextTxID() uint64
	// Add posts task to shardID's serial worker queue; task runs later,
	// asynchronously, on that shard's own goroutine.
	Add(shardID uint32, task func(Shard))
	// RunBriefInParallel posts task to every shard for which isActive
	// returns true (or every shard, if isActive is nil) and blocks the
	// caller until all of them have run it. task itself must not block.
	RunBriefInParallel(task func(Shard), isActive func(shardID uint32) bool)
}
