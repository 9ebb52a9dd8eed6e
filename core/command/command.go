// Package command is the coordinator's minimal command registry: it stands
// in for the txn.CommandDescriptor external collaborator with a small,
// fixed set of commands (SET/GET/DEL/MGET/MSET/RPUSH/LPOP/BLPOP/FLUSHDB/
// MULTI/EXEC), each naming its key range and option flags.
package command

import (
	"fmt"

	"github.com/shardflow/shardflow/core/txn"
)

// Descriptor is the concrete txn.CommandDescriptor.
type Descriptor struct {
	name     string
	optMask  txn.OptionFlag
	keyStep  int
	keyRange func(args []string) (txn.KeyIndex, error)
}

func (d *Descriptor) Name() string               { return d.name }
func (d *Descriptor) OptionMask() txn.OptionFlag { return d.optMask }
func (d *Descriptor) KeyArgStep() int             { return d.keyStep }

func (d *Descriptor) DetermineKeys(args []string) (txn.KeyIndex, error) {
	return d.keyRange(args)
}

// allFrom1 makes every argument after the command name part of the key
// range, walked with the given step: with step 1 each argument is a key
// (GET key, DEL key1 key2 ...), with step 2 they are key/value pairs
// (SET key value, MSET k1 v1 k2 v2 ...).
func allFrom1(step int) func([]string) (txn.KeyIndex, error) {
	return func(args []string) (txn.KeyIndex, error) {
		if len(args) < 2 {
			return txn.KeyIndex{}, fmt.Errorf("command: expected at least one key argument")
		}
		return txn.KeyIndex{Start: 1, End: len(args), Step: step}, nil
	}
}

// noKeys is used by commands whose keys (if any) are resolved by the
// caller rather than by static argument position (MULTI/EXEC/EVAL).
func noKeys(args []string) (txn.KeyIndex, error) {
	return txn.KeyIndex{Start: len(args), End: len(args), Step: 1}, nil
}

// Registry is a fixed lookup table from command name to Descriptor.
type Registry struct {
	byName map[string]*Descriptor
}

// NewRegistry builds the standard command set.
func NewRegistry() *Registry {
	descriptors := []*Descriptor{
		{name: "GET", optMask: txn.OptReadOnly, keyStep: 1, keyRange: allFrom1(1)},
		{name: "MGET", optMask: txn.OptReadOnly, keyStep: 1, keyRange: allFrom1(1)},
		{name: "SET", optMask: 0, keyStep: 2, keyRange: allFrom1(2)},
		{name: "MSET", optMask: 0, keyStep: 2, keyRange: allFrom1(2)},
		{name: "DEL", optMask: 0, keyStep: 1, keyRange: allFrom1(1)},
		{name: "RPUSH", optMask: 0, keyStep: 2, keyRange: func(args []string) (txn.KeyIndex, error) {
			if len(args) < 3 {
				return txn.KeyIndex{}, fmt.Errorf("command: RPUSH requires a key and at least one value")
			}
			return txn.KeyIndex{Start: 1, End: 2, Step: 1}, nil
		}},
		{name: "LPOP", optMask: 0, keyStep: 1, keyRange: allFrom1(1)},
		{name: "BLPOP", optMask: txn.OptReadOnly, keyStep: 1, keyRange: func(args []string) (txn.KeyIndex, error) {
			// BLPOP key [key ...] timeout: every argument but the last is a key.
			if len(args) < 3 {
				return txn.KeyIndex{}, fmt.Errorf("command: BLPOP requires at least one key and a timeout")
			}
			return txn.KeyIndex{Start: 1, End: len(args) - 1, Step: 1}, nil
		}},
		{name: "FLUSHDB", optMask: txn.OptGlobalTrans, keyStep: 1, keyRange: noKeys},
		{name: "MULTI", optMask: 0, keyStep: 1, keyRange: noKeys},
		{name: "EXEC", optMask: 0, keyStep: 1, keyRange: noKeys},
	}

	r := &Registry{byName: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.byName[d.name] = d
	}
	return r
}

// Lookup returns the descriptor for name, or an error if it is not a
// registered command.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("command: unknown command %q", name)
	}
	return d, nil
}
