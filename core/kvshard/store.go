package kvshard

import (
	"sync"

	"github.com/shardflow/shardflow/core/txn"
)

type valueKind int

const (
	kindString valueKind = iota
	kindList
)

type entry struct {
	kind valueKind
	str  string
	list []string
}

// Store is the concrete, in-memory implementation of txn.DbSlice: a
// per-shard key/value table, guarded by mu, plus its intent-lock table,
// which has its own mutex. Grounded on core/write_engine/memtable/bufferpoolmanager.go's
// mutex-protected map, generalized from a fixed-size page cache to an
// unbounded per-database key space since eviction/paging is out of scope
// here.
type Store struct {
	mu  sync.Mutex
	dbs []map[string]*entry

	locks *lockTable
}

// NewStore allocates a Store with numDBs logical databases, database 0
// always present.
func NewStore(numDBs int) *Store {
	if numDBs < 1 {
		numDBs = 1
	}
	dbs := make([]map[string]*entry, numDBs)
	for i := range dbs {
		dbs[i] = make(map[string]*entry)
	}
	return &Store{dbs: dbs, locks: newLockTable()}
}

// iterKeys strips values out of a key/value-interleaved argument slice,
// returning only the keys the lock table should act on.
func iterKeys(largs txn.LockArgs) []string {
	if largs.KeyStep <= 1 {
		return largs.Args
	}
	keys := make([]string, 0, len(largs.Args)/largs.KeyStep+1)
	for i := 0; i < len(largs.Args); i += largs.KeyStep {
		keys = append(keys, largs.Args[i])
	}
	return keys
}

func (s *Store) Acquire(mode txn.LockMode, largs txn.LockArgs) bool {
	uncontended := true
	for _, key := range iterKeys(largs) {
		if ok := s.locks.acquire(mode, largs.DBIndex, key); !ok {
			uncontended = false
		}
	}
	return uncontended
}

func (s *Store) Release(mode txn.LockMode, largs txn.LockArgs) {
	for _, key := range iterKeys(largs) {
		s.locks.release(mode, largs.DBIndex, key)
	}
}

func (s *Store) ReleaseCount(mode txn.LockMode, dbIndex int, key string, count int) {
	s.locks.releaseCount(mode, dbIndex, key, count)
}

func (s *Store) CheckLock(mode txn.LockMode, largs txn.LockArgs) bool {
	for _, key := range iterKeys(largs) {
		if !s.locks.check(mode, largs.DBIndex, key) {
			return false
		}
	}
	return true
}

// FindFirst returns the first key in args (in order) that maps to a
// non-empty list, for blocking commands like BLPOP. A key that exists but
// is not a list is reported as StatusWrongType rather than skipped, since
// that mismatch should surface immediately instead of masking the wrong
// answer.
func (s *Store) FindFirst(dbIndex int, args []string) (txn.FindFirstResult, txn.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.dbs[dbIndex]
	for i, key := range args {
		e, ok := db[key]
		if !ok {
			continue
		}
		if e.kind != kindList {
			return txn.FindFirstResult{}, txn.StatusWrongType
		}
		if len(e.list) > 0 {
			return txn.FindFirstResult{Found: true, ArgIndex: i, Value: e.list[0]}, txn.StatusOK
		}
	}
	return txn.FindFirstResult{}, txn.StatusOK
}

// Get, Set, Del, RPush, LPop and Flush are the data-plane operations
// command callbacks call from inside a RunnableFunc; they are intentionally
// separate from the txn.DbSlice surface since locking/routing and data
// access are different concerns.

func (s *Store) Get(dbIndex int, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dbs[dbIndex][key]
	if !ok {
		return "", false, nil
	}
	if e.kind != kindString {
		return "", false, txn.ErrWrongType
	}
	return e.str, true, nil
}

func (s *Store) Set(dbIndex int, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[dbIndex][key] = &entry{kind: kindString, str: value}
}

func (s *Store) Del(dbIndex int, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[dbIndex][key]; !ok {
		return false
	}
	delete(s.dbs[dbIndex], key)
	return true
}

func (s *Store) RPush(dbIndex int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dbs[dbIndex][key]
	if !ok {
		e = &entry{kind: kindList}
		s.dbs[dbIndex][key] = e
	} else if e.kind != kindList {
		return txn.ErrWrongType
	}
	e.list = append(e.list, value)
	return nil
}

func (s *Store) LPop(dbIndex int, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dbs[dbIndex][key]
	if !ok {
		return "", false, nil
	}
	if e.kind != kindList {
		return "", false, txn.ErrWrongType
	}
	if len(e.list) == 0 {
		return "", false, nil
	}
	v := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(s.dbs[dbIndex], key)
	}
	return v, true, nil
}

func (s *Store) Flush(dbIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[dbIndex] = make(map[string]*entry)
}
