package kvshard

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/txn"
	"github.com/shardflow/shardflow/internal/idutil"
)

type convWaiter struct {
	notifyTxID uint64
	t          *txn.Transaction
}

// Shard is the concrete, single-goroutine-owned implementation of
// txn.Shard: a Store, a TxQueue, a watch table, and a whole-shard lock,
// all only ever mutated from this shard's own worker goroutine. Grounded
// on core/write_engine/wal/log_manager.go's pattern of a dedicated
// goroutine draining a work channel while logging through zap.
type Shard struct {
	id  uint32
	log *zap.Logger

	store *Store
	queue *txQueue
	watch *watchTable
	lock  *shardLock

	committedTxID atomic.Uint64
	quickRuns     atomic.Int64

	convMu      sync.Mutex
	convWaiters []convWaiter

	tasks chan func(txn.Shard)
	done  chan struct{}
}

// NewShard allocates a shard with numDBs logical databases and a work
// queue of the given depth, but does not start its worker goroutine — call
// Run for that (typically from a ShardSet).
func NewShard(id uint32, numDBs, queueDepth int, log *zap.Logger) *Shard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shard{
		id:    id,
		log:   log.With(zap.Uint32("shard_id", id)),
		store: NewStore(numDBs),
		queue: newTxQueue(),
		watch: newWatchTable(),
		lock:  newShardLock(),
		tasks: make(chan func(txn.Shard), queueDepth),
		done:  make(chan struct{}),
	}
}

// Run drains tasks until Stop is called. It is meant to run as this
// shard's single dedicated goroutine.
func (s *Shard) Run() {
	s.log.Debug("shard worker started", zap.Int64("goroutine_id", idutil.GoID()))
	for {
		select {
		case task := <-s.tasks:
			task(s)
		case <-s.done:
			s.drainRemaining()
			return
		}
	}
}

func (s *Shard) drainRemaining() {
	for {
		select {
		case task := <-s.tasks:
			task(s)
		default:
			return
		}
	}
}

// Stop signals Run to return once its pending tasks are drained.
func (s *Shard) Stop() { close(s.done) }

// Submit posts task onto this shard's own goroutine. It never blocks the
// caller past the channel's buffer.
func (s *Shard) Submit(task func(txn.Shard)) {
	s.tasks <- task
}

func (s *Shard) ID() uint32                { return s.id }
func (s *Shard) CommittedTxID() uint64     { return s.committedTxID.Load() }
func (s *Shard) ShardLock() txn.ShardLock  { return s.lock }
func (s *Shard) DBSlice() txn.DbSlice      { return s.store }
func (s *Shard) TxQueue() txn.TxQueue      { return s.queue }
func (s *Shard) Store() *Store             { return s.store }
func (s *Shard) QuickRunCount() int64      { return s.quickRuns.Load() }

// PollExecution drains this shard's queue from the front while its head is
// armed and runnable. hint, when non-nil, is tried first regardless of its
// queue position when it is out-of-order (granted every lock it needed
// uncontended, so nothing queued conflicts with it) or when it holds no
// queue slot at all on this shard (a probe or post-conclude hop — e.g.
// FindFirst, UnregisterWatch, or BLPOP's final pop after a wake — which
// isn't contending for ordering and so doesn't need to wait its turn).
func (s *Shard) PollExecution(tag string, hint *txn.Transaction) {
	if hint != nil && hint.ArmedFor(s.id) && (hint.IsOOO() || !hint.QueuedOn(s.id)) {
		s.bumpCommitted(hint.TxID())
		hint.RunInShard(s)
	}
	for {
		front := s.queue.Front()
		if front == nil || !front.ArmedFor(s.id) {
			return
		}
		s.bumpCommitted(front.TxID())
		front.RunInShard(s)
	}
}

func (s *Shard) bumpCommitted(txid uint64) {
	if txid == 0 || txid <= s.committedTxID.Load() {
		return
	}
	s.committedTxID.Store(txid)

	s.convMu.Lock()
	remaining := s.convWaiters[:0]
	var fired []*txn.Transaction
	for _, w := range s.convWaiters {
		if txid >= w.notifyTxID {
			fired = append(fired, w.t)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.convWaiters = remaining
	s.convMu.Unlock()

	for _, t := range fired {
		t.ConvergenceAck()
	}
}

// ProcessAwakened clears woken's shard-local watch registrations now that
// it has already been delivered its wake-up; a no-op when nothing was
// woken on this hop.
func (s *Shard) ProcessAwakened(woken *txn.Transaction) {
	if woken == nil {
		return
	}
	for _, key := range woken.ShardArgsInShard(s.id) {
		s.watch.remove(key, woken)
	}
}

// ShutdownMulti has nothing shard-local to release: this coordinator keeps
// all multi-batch lock bookkeeping in the Transaction itself.
func (s *Shard) ShutdownMulti(t *txn.Transaction) {}

func (s *Shard) GCWatched(t *txn.Transaction, largs txn.LockArgs) {
	for _, key := range largs.Args {
		s.watch.remove(key, t)
	}
}

func (s *Shard) AddWatched(key string, t *txn.Transaction)     { s.watch.add(key, t) }
func (s *Shard) RemovedWatched(key string, t *txn.Transaction) { s.watch.remove(key, t) }
func (s *Shard) NotifyWrite(key string)                        { s.watch.notify(key, s.committedTxID.Load(), s.id) }

func (s *Shard) HasResultConverged(notifyTxID uint64) bool {
	return s.committedTxID.Load() >= notifyTxID
}

func (s *Shard) WaitForConvergence(notifyTxID uint64, t *txn.Transaction) {
	s.convMu.Lock()
	if s.committedTxID.Load() >= notifyTxID {
		s.convMu.Unlock()
		t.ConvergenceAck()
		return
	}
	s.convWaiters = append(s.convWaiters, convWaiter{notifyTxID: notifyTxID, t: t})
	s.convMu.Unlock()
}

func (s *Shard) IncQuickRun() { s.quickRuns.Add(1) }
