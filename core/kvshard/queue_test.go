package kvshard

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/txn"
)

func TestTxQueueFIFOOrder(t *testing.T) {
	q := newTxQueue()
	require.True(t, q.Empty())

	tA := txn.New(setDescriptor{}, nil)
	tB := txn.New(setDescriptor{}, nil)
	posA := q.Insert(tA)
	posB := q.Insert(tB)
	require.Equal(t, 2, q.Len())
	require.NotEqual(t, posA, posB)

	require.Same(t, tA, q.PopFront())
	require.Equal(t, 1, q.Len())
	require.Same(t, tB, q.Front())
}

func TestTxQueueRemoveFromMiddle(t *testing.T) {
	q := newTxQueue()
	q.Insert(nil)
	posB := q.Insert(nil)
	q.Insert(nil)
	require.Equal(t, 3, q.Len())

	q.Remove(posB)
	require.Equal(t, 2, q.Len())
	require.Nil(t, q.At(posB))
}

func TestTxQueueTailScoreOfEmptyQueueIsZero(t *testing.T) {
	q := newTxQueue()
	require.Equal(t, uint64(0), q.TailScore())
}

type setDescriptor struct{}

func (setDescriptor) Name() string               { return "SET" }
func (setDescriptor) OptionMask() txn.OptionFlag { return 0 }
func (setDescriptor) KeyArgStep() int             { return 2 }
func (setDescriptor) DetermineKeys(args []string) (txn.KeyIndex, error) {
	return txn.KeyIndex{Start: 1, End: 2, Step: 2}, nil
}

// TestTxQueueTailScoreIsBackNotFront guards against reading the queue head
// instead of the tail. Two exclusive-mode transactions contend for the same
// key on a single-shard set: T1 schedules first and sits at the queue
// front holding the lock; T2 schedules behind it with a strictly larger
// txid. TailScore must report T2's txid (the tail), not T1's (the front).
func TestTxQueueTailScoreIsBackNotFront(t *testing.T) {
	shards := NewShardSet(1, 1, 16, zap.NewNop())
	t.Cleanup(shards.Stop)

	t1 := txn.New(setDescriptor{}, shards)
	require.NoError(t, t1.InitByArgs(0, []string{"SET", "k", "v1"}))
	t1.Schedule()

	t2 := txn.New(setDescriptor{}, shards)
	require.NoError(t, t2.InitByArgs(0, []string{"SET", "k", "v2"}))
	t2.Schedule()

	require.Less(t, t1.TxID(), t2.TxID())

	shard := shards.Shard(0)
	require.Equal(t, t2.TxID(), shard.queue.TailScore())
}
