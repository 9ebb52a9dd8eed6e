package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shardflow/shardflow/core/engine"
	"github.com/shardflow/shardflow/core/kvshard"
	"github.com/shardflow/shardflow/core/txn"
)

func newTestEngine(t *testing.T, numShards int) *engine.Engine {
	t.Helper()
	shards := kvshard.NewShardSet(numShards, 1, 16, zap.NewNop())
	t.Cleanup(shards.Stop)
	return engine.New(shards, nil, zap.NewNop())
}

// TestEngineSetThenGet exercises spec.md's S1 scenario end to end: an
// uncontended single-key command runs through ScheduleSingleHop's eager
// RunQuickie path.
func TestEngineSetThenGet(t *testing.T) {
	eng := newTestEngine(t, 4)
	ctx := context.Background()

	_, err := eng.Execute(ctx, 0, []string{"SET", "k", "v"})
	require.NoError(t, err)

	got, err := eng.Execute(ctx, 0, []string{"GET", "k"})
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestEngineGetMissingKey(t *testing.T) {
	eng := newTestEngine(t, 4)
	_, err := eng.Execute(context.Background(), 0, []string{"GET", "missing"})
	require.ErrorIs(t, err, txn.ErrKeyNotFound)
}

func TestEngineDelReportsCount(t *testing.T) {
	eng := newTestEngine(t, 4)
	ctx := context.Background()
	_, err := eng.Execute(ctx, 0, []string{"SET", "a", "1"})
	require.NoError(t, err)

	got, err := eng.Execute(ctx, 0, []string{"DEL", "a", "b"})
	require.NoError(t, err)
	require.Equal(t, "1", got)
}

// TestEngineMSetMGetPreservesOrder covers spec.md's S2-style scenario: keys
// spread across several shards, and MGET's reply must land back in the
// caller's original argument order even though each shard's hop sees only
// its own slice.
func TestEngineMSetMGetPreservesOrder(t *testing.T) {
	eng := newTestEngine(t, 4)
	ctx := context.Background()

	_, err := eng.Execute(ctx, 0, []string{"MSET", "a", "1", "b", "2", "c", "3"})
	require.NoError(t, err)

	got, err := eng.Execute(ctx, 0, []string{"MGET", "a", "b", "c", "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "(nil)"}, strings.Split(got, ","))
}

func TestEngineRPushLPop(t *testing.T) {
	eng := newTestEngine(t, 4)
	ctx := context.Background()

	_, err := eng.Execute(ctx, 0, []string{"RPUSH", "q", "x"})
	require.NoError(t, err)
	_, err = eng.Execute(ctx, 0, []string{"RPUSH", "q", "y"})
	require.NoError(t, err)

	v, err := eng.Execute(ctx, 0, []string{"LPOP", "q"})
	require.NoError(t, err)
	require.Equal(t, "x", v)
}

func TestEngineFlushDBIsGlobal(t *testing.T) {
	eng := newTestEngine(t, 4)
	ctx := context.Background()
	_, err := eng.Execute(ctx, 0, []string{"SET", "a", "1"})
	require.NoError(t, err)

	_, err = eng.Execute(ctx, 0, []string{"FLUSHDB"})
	require.NoError(t, err)

	_, err = eng.Execute(ctx, 0, []string{"GET", "a"})
	require.ErrorIs(t, err, txn.ErrKeyNotFound)
}

// TestEngineBLPopTimesOut covers spec.md's S4 scenario: a blocking pop on a
// key nobody ever writes to must return ErrKeyNotFound once its deadline
// passes rather than hanging forever.
func TestEngineBLPopTimesOut(t *testing.T) {
	eng := newTestEngine(t, 4)
	_, err := eng.Execute(context.Background(), 0, []string{"BLPOP", "nobody-writes-this", "0.1"})
	require.ErrorIs(t, err, txn.ErrKeyNotFound)
}

// TestEngineBLPopWakesOnPush covers spec.md's S5 scenario: a concurrent
// RPUSH on the watched key must wake the blocked BLPOP before its deadline.
func TestEngineBLPopWakesOnPush(t *testing.T) {
	eng := newTestEngine(t, 4)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := eng.Execute(context.Background(), 0, []string{"RPUSH", "queue", "payload"})
		require.NoError(t, err)
		close(done)
	}()

	got, err := eng.Execute(context.Background(), 0, []string{"BLPOP", "queue", "2"})
	require.NoError(t, err)
	require.Equal(t, "queue,payload", got)
	<-done
}

// TestEngineMultiExecRunsBatchAtomically covers spec.md's S6 scenario: a
// MULTI/EXEC batch touching keys on more than one shard runs as a single
// unit, in order, with its locks released together at the end.
func TestEngineMultiExecRunsBatchAtomically(t *testing.T) {
	eng := newTestEngine(t, 4)

	results, err := eng.ExecuteMulti(0, [][]string{
		{"SET", "a", "1"},
		{"SET", "b", "2"},
		{"SET", "a", "3"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"OK", "OK", "OK"}, results)

	got, err := eng.Execute(context.Background(), 0, []string{"GET", "a"})
	require.NoError(t, err)
	require.Equal(t, "3", got, "the batch's later write to the same key must win")

	got, err = eng.Execute(context.Background(), 0, []string{"GET", "b"})
	require.NoError(t, err)
	require.Equal(t, "2", got)
}

func TestEngineMultiExecRejectsUnsupportedSubCommand(t *testing.T) {
	eng := newTestEngine(t, 4)
	_, err := eng.ExecuteMulti(0, [][]string{{"BLPOP", "q", "1"}})
	require.Error(t, err)
}
