// Package engine is the request-dispatch layer above core/txn and
// core/kvshard: it turns a parsed command line into a Transaction, drives
// it through the coordinator, and runs the actual Store access from inside
// each hop's RunnableFunc.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/command"
	"github.com/shardflow/shardflow/core/kvshard"
	"github.com/shardflow/shardflow/core/txn"
)

// Engine owns the shard set and command registry and exposes Execute as the
// single entry point a connection handler calls per request line.
type Engine struct {
	shards   *kvshard.ShardSet
	registry *command.Registry
	metrics  *txn.Metrics
	log      *zap.Logger
}

// New wires an Engine around an already-running shard set.
func New(shards *kvshard.ShardSet, metrics *txn.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		shards:   shards,
		registry: command.NewRegistry(),
		metrics:  metrics,
		log:      log,
	}
}

func (e *Engine) newTxn(name string) (*txn.Transaction, error) {
	desc, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return txn.New(desc, e.shards, txn.WithMetrics(e.metrics)), nil
}

func (e *Engine) store(shard txn.Shard) *kvshard.Store {
	return shard.(*kvshard.Shard).Store()
}

// Execute dispatches one already-tokenized command line against dbIndex.
// args[0] is the command name; ctx governs BLPOP's deadline.
func (e *Engine) Execute(ctx context.Context, dbIndex int, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("engine: empty command")
	}
	name := strings.ToUpper(args[0])

	switch name {
	case "MGET":
		return e.execMGet(dbIndex, args)
	case "MSET":
		return e.execMSet(dbIndex, args)
	case "BLPOP":
		return e.execBLPop(ctx, dbIndex, args)
	}

	t, err := e.newTxn(name)
	if err != nil {
		return "", err
	}
	if err := t.InitByArgs(dbIndex, args); err != nil {
		return "", err
	}

	switch name {
	case "GET":
		return e.execGet(t, args)
	case "SET":
		return e.execSet(t, args)
	case "DEL":
		return e.execDel(t, args)
	case "RPUSH":
		return e.execRPush(t, args)
	case "LPOP":
		return e.execLPop(t, args)
	case "FLUSHDB":
		return e.execFlushDB(t)
	default:
		return "", fmt.Errorf("engine: command %q is not wired", name)
	}
}

func (e *Engine) execGet(t *txn.Transaction, args []string) (string, error) {
	key := args[1]
	var value string
	var found bool
	var cbErr error

	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		v, ok, err := e.store(shard).Get(tx.DBIndex(), key)
		if err != nil {
			cbErr = err
			return txn.StatusWrongType
		}
		value, found = v, ok
		return txn.StatusOK
	})

	if cbErr != nil {
		return "", cbErr
	}
	if !found {
		return "", txn.ErrKeyNotFound
	}
	return value, nil
}

func (e *Engine) execSet(t *txn.Transaction, args []string) (string, error) {
	key, value := args[1], args[2]
	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		e.store(shard).Set(tx.DBIndex(), key, value)
		shard.NotifyWrite(key)
		return txn.StatusOK
	})
	return "OK", nil
}

func (e *Engine) execDel(t *txn.Transaction, args []string) (string, error) {
	var deleted int
	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		for _, key := range tx.ShardArgsInShard(shard.ID()) {
			if e.store(shard).Del(tx.DBIndex(), key) {
				deleted++
			}
		}
		return txn.StatusOK
	})
	return strconv.Itoa(deleted), nil
}

func (e *Engine) execRPush(t *txn.Transaction, args []string) (string, error) {
	key, value := args[1], args[2]
	var cbErr error
	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		if err := e.store(shard).RPush(tx.DBIndex(), key, value); err != nil {
			cbErr = err
			return txn.StatusWrongType
		}
		shard.NotifyWrite(key)
		return txn.StatusOK
	})
	if cbErr != nil {
		return "", cbErr
	}
	return "OK", nil
}

func (e *Engine) execLPop(t *txn.Transaction, args []string) (string, error) {
	key := args[1]
	var value string
	var found bool
	var cbErr error
	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		v, ok, err := e.store(shard).LPop(tx.DBIndex(), key)
		if err != nil {
			cbErr = err
			return txn.StatusWrongType
		}
		value, found = v, ok
		return txn.StatusOK
	})
	if cbErr != nil {
		return "", cbErr
	}
	if !found {
		return "", txn.ErrKeyNotFound
	}
	return value, nil
}

func (e *Engine) execFlushDB(t *txn.Transaction) (string, error) {
	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		e.store(shard).Flush(tx.DBIndex())
		return txn.StatusOK
	})
	return "OK", nil
}

// execMGet fans a read-only probe across every shard touched and places
// each key's result back at its original argument position, since a
// multi-shard hop's results land in per-shard order, not request order.
func (e *Engine) execMGet(dbIndex int, args []string) (string, error) {
	t, err := e.newTxn("MGET")
	if err != nil {
		return "", err
	}
	if err := t.InitByArgs(dbIndex, args); err != nil {
		return "", err
	}

	n := len(args) - 1
	values := make([]string, n)
	found := make([]bool, n)

	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		sid := shard.ID()
		for i, key := range tx.ShardArgsInShard(sid) {
			origIdx := tx.ReverseArgIndex(sid, i) - 1
			v, ok, err := e.store(shard).Get(tx.DBIndex(), key)
			if err != nil {
				continue
			}
			values[origIdx], found[origIdx] = v, ok
		}
		return txn.StatusOK
	})

	parts := make([]string, n)
	for i := range parts {
		if found[i] {
			parts[i] = values[i]
		} else {
			parts[i] = "(nil)"
		}
	}
	return strings.Join(parts, ","), nil
}

func (e *Engine) execMSet(dbIndex int, args []string) (string, error) {
	t, err := e.newTxn("MSET")
	if err != nil {
		return "", err
	}
	if err := t.InitByArgs(dbIndex, args); err != nil {
		return "", err
	}

	t.ScheduleSingleHop(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		sid := shard.ID()
		kv := tx.ShardArgsInShard(sid)
		for i := 0; i+1 < len(kv); i += 2 {
			e.store(shard).Set(tx.DBIndex(), kv[i], kv[i+1])
			shard.NotifyWrite(kv[i])
		}
		return txn.StatusOK
	})
	return "OK", nil
}

// execBLPop is the one genuinely multi-hop command: probe every watched key
// with FindFirst, and if none is ready yet, suspend on the watch table and
// wait for a write to wake it (or the deadline in ctx to pass) before
// probing again and popping the winner.
func (e *Engine) execBLPop(ctx context.Context, dbIndex int, args []string) (string, error) {
	t, err := e.newTxn("BLPOP")
	if err != nil {
		return "", err
	}
	if err := t.InitByArgs(dbIndex, args); err != nil {
		return "", err
	}
	t.Schedule()
	defer t.UnregisterWatch()

	seconds, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil {
		return "", fmt.Errorf("engine: BLPOP: invalid timeout: %w", err)
	}
	ctx, cancel := WithBlockTimeout(ctx, seconds)
	defer cancel()

	res, err := t.FindFirst()
	if err == txn.ErrKeyNotFound {
		deadline, _ := ctx.Deadline()
		if !t.WaitOnWatch(deadline) {
			return "", txn.ErrKeyNotFound
		}
		res, err = t.FindFirst()
	}
	if err != nil {
		return "", err
	}

	key := args[res.ArgIndex]
	var cbErr error
	var popped string
	t.Execute(func(tx *txn.Transaction, shard txn.Shard) txn.Status {
		v, ok, perr := e.store(shard).LPop(tx.DBIndex(), key)
		if perr != nil {
			cbErr = perr
			return txn.StatusWrongType
		}
		if ok {
			popped = v
		}
		return txn.StatusOK
	}, true)

	if cbErr != nil {
		return "", cbErr
	}
	return key + "," + popped, nil
}

// ExecuteMulti runs a MULTI/EXEC batch: each entry in cmds is one already
// tokenized sub-command (no nested MGET/MSET/BLPOP — those are multi-shard
// or multi-hop commands in their own right and aren't valid inside a
// batch). Every sub-command's keys are prescanned into one union lock set
// before the first sub-command runs, then each runs in order, and the
// batch's locks are released together at the end.
func (e *Engine) ExecuteMulti(dbIndex int, cmds [][]string) ([]string, error) {
	if len(cmds) == 0 {
		return nil, fmt.Errorf("engine: EXEC with an empty command queue")
	}

	t, err := e.newTxn("EXEC")
	if err != nil {
		return nil, err
	}

	descs := make([]*command.Descriptor, len(cmds))
	for i, args := range cmds {
		d, err := e.registry.Lookup(strings.ToUpper(args[0]))
		if err != nil {
			return nil, err
		}
		descs[i] = d
		if err := t.PrescanExecCmd(d, dbIndex, args); err != nil {
			return nil, err
		}
	}

	results := make([]string, len(cmds))
	for i, args := range cmds {
		t.SetExecCmd(descs[i])
		if err := t.InitByArgs(dbIndex, args); err != nil {
			return nil, err
		}
		res, err := e.execMultiSubCmd(t, descs[i].Name(), args)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	t.UnlockMulti()
	return results, nil
}

func (e *Engine) execMultiSubCmd(t *txn.Transaction, name string, args []string) (string, error) {
	switch name {
	case "GET":
		return e.execGet(t, args)
	case "SET":
		return e.execSet(t, args)
	case "DEL":
		return e.execDel(t, args)
	case "RPUSH":
		return e.execRPush(t, args)
	case "LPOP":
		return e.execLPop(t, args)
	case "FLUSHDB":
		return e.execFlushDB(t)
	default:
		return "", fmt.Errorf("engine: command %q cannot run inside MULTI/EXEC", name)
	}
}

// WithBlockTimeout turns a BLPOP timeout argument (seconds, 0 meaning
// indefinite) into a context deadline for Execute's ctx parameter.
func WithBlockTimeout(parent context.Context, seconds float64) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(seconds*float64(time.Second)))
}
