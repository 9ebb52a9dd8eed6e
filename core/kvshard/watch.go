package kvshard

import (
	"sync"

	"github.com/shardflow/shardflow/core/txn"
)

// watchTable is the concrete backing for AddWatched/RemovedWatched/
// GCWatched/notify: a per-key list of transactions blocked waiting for a
// write to that key, grounded on the same map-plus-mutex shape as
// lockTable.
type watchTable struct {
	mu       sync.Mutex
	watchers map[string][]*txn.Transaction
}

func newWatchTable() *watchTable {
	return &watchTable{watchers: make(map[string][]*txn.Transaction)}
}

func (w *watchTable) add(key string, t *txn.Transaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchers[key] = append(w.watchers[key], t)
}

func (w *watchTable) remove(key string, t *txn.Transaction) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.watchers[key]
	for i, cur := range list {
		if cur == t {
			w.watchers[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(w.watchers[key]) == 0 {
		delete(w.watchers, key)
	}
}

// notify wakes every transaction currently watching key. It snapshots the
// watcher list before calling out so a watcher's own NotifySuspended call
// (which never touches the watch table itself) can't deadlock against a
// concurrent AddWatched/RemovedWatched on the same key.
func (w *watchTable) notify(key string, committedTxID uint64, sid uint32) {
	w.mu.Lock()
	watchers := append([]*txn.Transaction(nil), w.watchers[key]...)
	w.mu.Unlock()

	for _, t := range watchers {
		t.NotifySuspended(committedTxID, sid)
	}
}
