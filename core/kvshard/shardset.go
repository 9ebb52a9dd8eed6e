package kvshard

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/txn"
)

// ShardSet is the concrete txn.ShardSet: a fixed collection of Shards, each
// with its own worker goroutine, plus the process-wide monotonic txid
// counter every Schedule call draws from. Grounded on the fan-out-and-
// collect shape of api/basic/main.go's two-phase-commit prepare phase
// (sync.WaitGroup across participants), generalized here to run the same
// task on every shard's own goroutine instead of over the network.
type ShardSet struct {
	shards []*Shard
	nextID atomic.Uint64
	log    *zap.Logger
}

// NewShardSet allocates numShards shards, each with numDBs logical
// databases, and starts their worker goroutines.
func NewShardSet(numShards, numDBs, queueDepth int, log *zap.Logger) *ShardSet {
	if log == nil {
		log = zap.NewNop()
	}
	ss := &ShardSet{shards: make([]*Shard, numShards), log: log}
	for i := range ss.shards {
		ss.shards[i] = NewShard(uint32(i), numDBs, queueDepth, log)
		go ss.shards[i].Run()
	}
	return ss
}

// Stop signals every shard's worker goroutine to drain and exit.
func (ss *ShardSet) Stop() {
	for _, s := range ss.shards {
		s.Stop()
	}
}

func (ss *ShardSet) Size() int { return len(ss.shards) }

// NextTxID hands out the next value in the process-wide, strictly
// increasing sequence Schedule uses to order transactions across shards.
// It starts at 1 so 0 can remain the "not yet scheduled" sentinel.
func (ss *ShardSet) NextTxID() uint64 { return ss.nextID.Add(1) }

// Shard exposes the concrete shard at index i, for tests and for the
// command layer to type-assert against when it needs direct Store access.
func (ss *ShardSet) Shard(i uint32) *Shard { return ss.shards[i] }

func (ss *ShardSet) Add(shardID uint32, task func(txn.Shard)) {
	ss.shards[shardID].Submit(task)
}

// RunBriefInParallel fans task out to every active shard and blocks until
// all of them have run it. Grounded on the WaitGroup-based fan-out in
// api/basic/main.go's two-phase-commit prepare phase, promoted here to
// errgroup.Group. task runs on each shard's own goroutine and returns no
// error, so every group goroutine returns nil; nothing here recovers a
// panic raised by task.
func (ss *ShardSet) RunBriefInParallel(task func(txn.Shard), isActive func(shardID uint32) bool) {
	var g errgroup.Group
	for i, s := range ss.shards {
		if isActive != nil && !isActive(uint32(i)) {
			continue
		}
		s := s
		g.Go(func() error {
			done := make(chan struct{})
			s.Submit(func(sh txn.Shard) {
				task(sh)
				close(done)
			})
			<-done
			return nil
		})
	}
	g.Wait()
}
