package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// shardFlag is the per-shard bookkeeping bitmask (local_mask in the
// original coordinator).
type shardFlag uint16

const (
	flagArmed shardFlag = 1 << iota
	flagKeylockAcquired
	flagOutOfOrder
	flagSuspendedQ
	flagAwakedQ
	flagExpiredQ
)

// coordFlag is the coordinator-side state bitmask, read and written from
// the calling goroutine only except where noted.
type coordFlag uint32

const (
	coordScheduled coordFlag = 1 << iota
	coordOutOfOrder
	coordExecuting
	coordConcluding
	coordBlocked
	coordCancelled
)

// perShardData is the per-shard slot recorded by InitByArgs/Schedule: which
// slice of the packed argument vector belongs to this shard, this shard's
// queue position, and this shard's local flags.
//
// Invariant: either len(shardData) == 1 with argCount == -1 (the
// single-shard fast path, used whenever exactly one shard is touched and
// this is not a multi transaction), or len(shardData) == numShards and
// argCount is the number of packed arguments routed to that shard (zero
// for untouched shards). A multi transaction whose current command touches
// a single shard keeps the full-length slice and marks that shard's slot
// with argCount == -1.
type perShardData struct {
	argStart  int
	argCount  int
	pqPos     int
	localMask shardFlag
}

type lockCount struct {
	shared    int
	exclusive int
}

type multiKeyLock struct {
	key       string
	shared    int
	exclusive int
}

// multiState is populated only for MULTI/EXEC-style batches: keys are
// accumulated across each sub-command's InitByArgs call and locked once, as
// a union, when the batch's first SetExecCmd triggers Schedule.
type multiState struct {
	opts          OptionFlag
	incremental   bool
	locksRecorded bool
	locks         map[string]*lockCount
	perShard      map[uint32][]multiKeyLock
}

const sentinelNoNotify = ^uint64(0)

// RunnableFunc is the caller-supplied hop body, invoked once per touched
// shard from that shard's own worker goroutine. A multi-shard hop's
// callback must return StatusOK; only a single-shard hop may surface a
// non-OK Status back to Execute's caller.
type RunnableFunc func(t *Transaction, shard Shard) Status

// Transaction is one coordinator-side instance of a scheduled command. It
// is created fresh per command (or per MULTI/EXEC batch) and is not meant
// to be reused across unrelated commands.
type Transaction struct {
	cid    CommandDescriptor
	shards ShardSet

	dbIndex      int
	args         []string
	reverseIndex []int
	shardData    []perShardData

	uniqueShardCnt int
	uniqueShardID  uint32

	txid atomic.Uint64

	coordState atomic.Uint32
	runCount   atomic.Int32
	runMu      sync.Mutex
	runDone    chan struct{}

	seqlock    atomic.Uint32
	notifyTxID atomic.Uint64

	cb          RunnableFunc
	localResult Status

	multi *multiState

	blockMu   sync.Mutex
	blockCond *sync.Cond

	refCount atomic.Int32
	metrics  *Metrics

	id string
}

// Option configures a Transaction at construction time.
type Option func(*Transaction)

// WithMetrics attaches an optional instrumentation sink.
func WithMetrics(m *Metrics) Option {
	return func(t *Transaction) { t.metrics = m }
}

// New creates a transaction for cid against shards. For MULTI/EXEC-style
// commands (identified by name so the caller doesn't need a separate
// constructor), the multi-batch bookkeeping is initialized eagerly; EVAL
// and EVALSHA behave like MULTI/EXEC but lock their key set as a whole
// rather than incrementally per statement.
func New(cid CommandDescriptor, shards ShardSet, opts ...Option) *Transaction {
	t := &Transaction{
		cid:    cid,
		shards: shards,
		id:     uuid.NewString(),
	}
	t.notifyTxID.Store(sentinelNoNotify)
	t.blockCond = sync.NewCond(&t.blockMu)

	switch cid.Name() {
	case "EXEC":
		t.multi = &multiState{opts: cid.OptionMask(), incremental: true, locks: make(map[string]*lockCount)}
	case "EVAL", "EVALSHA":
		t.multi = &multiState{opts: cid.OptionMask(), incremental: false, locks: make(map[string]*lockCount)}
	}

	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transaction) setCoordFlag(f coordFlag, on bool) {
	for {
		old := t.coordState.Load()
		var next uint32
		if on {
			next = old | uint32(f)
		} else {
			next = old &^ uint32(f)
		}
		if t.coordState.CompareAndSwap(old, next) {
			return
		}
	}
}

func (t *Transaction) hasCoordFlag(f coordFlag) bool {
	return coordFlag(t.coordState.Load())&f != 0
}

// Mode returns the intent-lock mode required by the currently installed
// command descriptor.
func (t *Transaction) Mode() LockMode {
	if t.cid.OptionMask().Has(OptReadOnly) {
		return LockShared
	}
	return LockExclusive
}

// IsGlobal reports whether the current command must run against every
// shard under a whole-shard lock.
func (t *Transaction) IsGlobal() bool {
	return t.cid.OptionMask().Has(OptGlobalTrans)
}

// IsOOO reports whether this transaction's single hop was granted every
// lock uncontended at scheduling time, letting it skip queue draining.
func (t *Transaction) IsOOO() bool {
	return t.hasCoordFlag(coordOutOfOrder)
}

// Name returns the currently installed command's name.
func (t *Transaction) Name() string { return t.cid.Name() }

// DBIndex returns the logical database this transaction addresses.
func (t *Transaction) DBIndex() int { return t.dbIndex }

// UniqueShardCnt returns how many shards this transaction currently
// touches.
func (t *Transaction) UniqueShardCnt() int { return t.uniqueShardCnt }

// TxID returns the transaction id assigned at Schedule time, or 0 if this
// transaction has not been scheduled yet.
func (t *Transaction) TxID() uint64 { return t.txid.Load() }

// ArmedFor reports whether this transaction currently has a hop callback
// armed for sid. Shard implementations use this to decide whether the
// transaction at (or near) their queue front is runnable right now.
func (t *Transaction) ArmedFor(sid uint32) bool {
	return t.shardData[t.shardIdx(sid)].localMask&flagArmed != 0
}

// QueuedOn reports whether this transaction currently holds a queue slot
// on sid. A hop callback armed with no queue slot (e.g. a probe hop run
// after a prior concluding hop already released the queue slot, as
// WaitOnWatch/FindFirst do) is immediately runnable regardless of what
// else is queued, since it isn't contending for ordering.
func (t *Transaction) QueuedOn(sid uint32) bool {
	return t.shardData[t.shardIdx(sid)].pqPos != QueueEnd
}

// ConvergenceAck reports that a shard has caught up to the txid a prior
// WaitForConvergence call was waiting on. Shard implementations call this
// exactly once for each WaitForConvergence call they accepted.
func (t *Transaction) ConvergenceAck() {
	t.decreaseRunCnt()
}

// DebugId returns a short human-readable identifier suitable for logs,
// e.g. "SET@42/1 (5b9e...)": command name, assigned txid, shard fan-out,
// and the transaction's own uuid.
func (t *Transaction) DebugId() string {
	return fmt.Sprintf("%s@%d/%d (%s)", t.Name(), t.txid.Load(), t.uniqueShardCnt, t.id)
}

// shardIdx maps a real shard id to its slot in shardData, collapsing to
// slot 0 whenever the single-shard fast path is in effect.
func (t *Transaction) shardIdx(sid uint32) uint32 {
	if t.multi == nil && t.uniqueShardCnt == 1 {
		return 0
	}
	return sid
}

// ShardArgsInShard returns the slice of packed arguments routed to sid.
func (t *Transaction) ShardArgsInShard(sid uint32) []string {
	if t.uniqueShardCnt == 1 {
		return t.args
	}
	sd := t.shardData[t.shardIdx(sid)]
	return t.args[sd.argStart : sd.argStart+sd.argCount]
}

// ReverseArgIndex maps an index into ShardArgsInShard(sid) back to the
// index it held in the original command's argument vector, needed by
// FindFirst to pick the deterministic first match across shards.
func (t *Transaction) ReverseArgIndex(sid uint32, argIndex int) int {
	if t.uniqueShardCnt == 1 {
		return t.reverseIndex[argIndex]
	}
	sd := t.shardData[t.shardIdx(sid)]
	return t.reverseIndex[sd.argStart+argIndex]
}

func (t *Transaction) lockArgs(sid uint32) LockArgs {
	return LockArgs{
		DBIndex: t.dbIndex,
		KeyStep: t.cid.KeyArgStep(),
		Args:    t.ShardArgsInShard(sid),
	}
}

// InitByArgs routes a command's keys to shards, builds the packed argument
// vector plus its reverse index, and (for multi transactions) folds newly
// seen keys into the accumulated lock-count map. It must be called once
// per command before Schedule/ScheduleSingleHop.
func (t *Transaction) InitByArgs(dbIndex int, args []string) error {
	t.dbIndex = dbIndex
	t.args = nil
	t.reverseIndex = nil

	if t.IsGlobal() {
		n := t.shards.Size()
		t.uniqueShardCnt = n
		t.shardData = make([]perShardData, n)
		for i := range t.shardData {
			t.shardData[i].pqPos = QueueEnd
		}
		return nil
	}

	if len(args) < 1 {
		return fmt.Errorf("txn: InitByArgs requires at least a command name")
	}

	ki, err := t.cid.DetermineKeys(args)
	if err != nil {
		return fmt.Errorf("txn: DetermineKeys: %w", err)
	}

	if ki.Start >= ki.End {
		// A key-less command (e.g. EVAL with an empty KEYS list).
		t.uniqueShardCnt = 0
		return nil
	}

	incrementalLocking := t.multi != nil && t.multi.incremental
	singleKeyFastPath := t.multi == nil && ki.Start+ki.Step >= ki.End

	numShards := t.shards.Size()

	if singleKeyFastPath {
		t.args = append(t.args, args[ki.Start:ki.End]...)
		for i := ki.Start; i < ki.End; i++ {
			t.reverseIndex = append(t.reverseIndex, i)
		}
		t.uniqueShardCnt = 1
		t.uniqueShardID = RouteKey(args[ki.Start], numShards)
		t.shardData = []perShardData{{argStart: -1, argCount: -1, pqPos: QueueEnd}}
		return nil
	}

	if t.shardData == nil {
		t.shardData = make([]perShardData, numShards)
		for i := range t.shardData {
			t.shardData[i].pqPos = QueueEnd
		}
	}

	type bucket struct {
		args []string
		orig []int
	}
	buckets := make([]bucket, numShards)

	mode := t.Mode()
	shouldRecordLocks := t.multi != nil && (incrementalLocking || !t.multi.locksRecorded)
	var seenThisCall map[string]struct{}
	if shouldRecordLocks {
		seenThisCall = make(map[string]struct{})
	}

	for i := ki.Start; i < ki.End; i += ki.Step {
		key := args[i]
		sid := RouteKey(key, numShards)
		buckets[sid].args = append(buckets[sid].args, key)
		buckets[sid].orig = append(buckets[sid].orig, i)

		if shouldRecordLocks {
			if _, seen := seenThisCall[key]; !seen {
				seenThisCall[key] = struct{}{}
				lc := t.multi.locks[key]
				if lc == nil {
					lc = &lockCount{}
					t.multi.locks[key] = lc
				}
				if mode == LockShared {
					lc.shared++
				} else {
					lc.exclusive++
				}
			}
		}

		if ki.Step == 2 {
			buckets[sid].args = append(buckets[sid].args, args[i+1])
			buckets[sid].orig = append(buckets[sid].orig, i+1)
		}
	}

	if t.multi != nil {
		t.multi.locksRecorded = true
	}

	t.uniqueShardCnt = 0
	for sid := 0; sid < numShards; sid++ {
		sd := &t.shardData[sid]
		b := buckets[sid]

		if incrementalLocking {
			sd.localMask = 0
		}

		sd.argStart = len(t.args)
		sd.argCount = len(b.args)
		if sd.argCount == 0 {
			continue
		}

		t.uniqueShardCnt++
		t.uniqueShardID = uint32(sid)
		t.args = append(t.args, b.args...)
		t.reverseIndex = append(t.reverseIndex, b.orig...)
	}

	if t.uniqueShardCnt == 1 {
		if t.multi != nil {
			sd := &t.shardData[t.uniqueShardID]
			sd.argStart, sd.argCount = -1, -1
		} else {
			t.shardData = []perShardData{{argStart: -1, argCount: -1, pqPos: QueueEnd}}
		}
	}

	return nil
}
