// Package txn implements the shard-aware transaction coordinator: it routes
// a command's keys to the shards that own them, obtains per-key intent
// locks and a position in each shard's ordered queue, drives execution
// across one or more hops, and releases locks on completion, timeout, or
// connection loss.
//
// The package treats the key/value store, its lock table, the per-shard
// queue, and the shard worker/fiber as external collaborators: txn only
// consumes the interfaces declared in shard.go. See package kvshard for a
// concrete, in-memory implementation of those interfaces.
package txn

// OptionFlag mirrors a command's static option mask: which locking and
// scheduling behavior a command requires, independent of its arguments.
type OptionFlag uint32

const (
	// OptReadOnly marks a command that only needs a shared intent lock.
	OptReadOnly OptionFlag = 1 << iota
	// OptGlobalTrans marks a command that must run against every shard
	// under a whole-shard lock instead of per-key intent locks (e.g.
	// FLUSHDB).
	OptGlobalTrans
)

// Has reports whether flag is set in the mask.
func (f OptionFlag) Has(flag OptionFlag) bool {
	return f&flag != 0
}

// KeyIndex describes where in a command's argument vector its keys live:
// args[Start:End] with a stride of Step (1 for plain keys, 2 for
// alternating key/value pairs).
type KeyIndex struct {
	Start int
	End   int
	Step  int
}

// CommandDescriptor is the external command-registry collaborator: it
// supplies the static metadata the coordinator needs to route and lock a
// command's keys. Non-goal: command semantics/execution live outside this
// package entirely.
type CommandDescriptor interface {
	// Name returns the command's canonical name, e.g. "SET", "MGET", "EXEC".
	Name() string
	// OptionMask returns the command's static option flags.
	OptionMask() OptionFlag
	// KeyArgStep returns 1 for single-key arguments, 2 for key/value pairs.
	KeyArgStep() int
	// DetermineKeys resolves the key range within args (args[0] is the
	// command name itself, matching the wire convention the coordinator
	// was built against).
	DetermineKeys(args []string) (KeyIndex, error)
}
