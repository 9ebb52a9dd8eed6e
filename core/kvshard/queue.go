package kvshard

import (
	"container/list"
	"sync"

	"github.com/shardflow/shardflow/core/txn"
)

// txQueue is the concrete txn.TxQueue: an ordered queue of transactions
// waiting their turn on this shard, backed by container/list for O(1)
// removal from the middle — the same structure
// core/write_engine/memtable/bufferpoolmanager.go uses for its LRU list,
// generalized here from "eviction order" to "scheduling order".
type txQueue struct {
	mu      sync.Mutex
	l       *list.List
	elems   map[int]*list.Element
	nextPos int
}

func newTxQueue() *txQueue {
	return &txQueue{l: list.New(), elems: make(map[int]*list.Element)}
}

func (q *txQueue) Insert(t *txn.Transaction) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := q.nextPos
	q.nextPos++
	q.elems[pos] = q.l.PushBack(t)
	return pos
}

func (q *txQueue) Remove(pos int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.elems[pos]; ok {
		q.l.Remove(e)
		delete(q.elems, pos)
	}
}

func (q *txQueue) At(pos int) *txn.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.elems[pos]
	if !ok {
		return nil
	}
	return e.Value.(*txn.Transaction)
}

func (q *txQueue) Front() *txn.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.l.Len() == 0 {
		return nil
	}
	return q.l.Front().Value.(*txn.Transaction)
}

func (q *txQueue) PopFront() *txn.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.l.Len() == 0 {
		return nil
	}
	e := q.l.Front()
	t := e.Value.(*txn.Transaction)
	q.l.Remove(e)
	for pos, el := range q.elems {
		if el == e {
			delete(q.elems, pos)
			break
		}
	}
	return t
}

// TailScore is the txid of the transaction most recently appended to the
// queue (its current tail). A newly scheduled transaction whose locks were
// not granted uncontended is only let through when its own txid is larger
// than this score, since appending it then needs no reordering; a smaller
// txid arriving behind a larger one at the tail would have to be inserted
// out of position to preserve ordering, which the queue does not support.
func (q *txQueue) TailScore() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.l.Len() == 0 {
		return 0
	}
	return q.l.Back().Value.(*txn.Transaction).TxID()
}

func (q *txQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len() == 0
}

func (q *txQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}
