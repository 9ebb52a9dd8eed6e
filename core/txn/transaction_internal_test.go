package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeShardSet is the minimal ShardSet a routing-only test needs; Add and
// RunBriefInParallel are never exercised by InitByArgs itself.
type fakeShardSet struct {
	size int
}

func (f *fakeShardSet) Size() int                             { return f.size }
func (f *fakeShardSet) NextTxID() uint64                       { return 1 }
func (f *fakeShardSet) Add(shardID uint32, task func(Shard))   {}
func (f *fakeShardSet) RunBriefInParallel(task func(Shard), isActive func(uint32) bool) {}

type fakeCmd struct {
	name     string
	opts     OptionFlag
	keyStep  int
	keyRange func([]string) (KeyIndex, error)
}

func (c *fakeCmd) Name() string           { return c.name }
func (c *fakeCmd) OptionMask() OptionFlag { return c.opts }
func (c *fakeCmd) KeyArgStep() int        { return c.keyStep }
func (c *fakeCmd) DetermineKeys(args []string) (KeyIndex, error) {
	return c.keyRange(args)
}

func setCmd(name string, opts OptionFlag, keyStep int) *fakeCmd {
	return &fakeCmd{
		name:    name,
		opts:    opts,
		keyStep: keyStep,
		keyRange: func(args []string) (KeyIndex, error) {
			return KeyIndex{Start: 1, End: len(args), Step: keyStep}, nil
		},
	}
}

// TestInitByArgsSingleKeyFastPath checks invariant 1 from spec.md section 8:
// a single routed key collapses shardData to length 1 with the -1 sentinel.
func TestInitByArgsSingleKeyFastPath(t *testing.T) {
	tr := New(setCmd("GET", OptReadOnly, 1), &fakeShardSet{size: 8})
	require.NoError(t, tr.InitByArgs(0, []string{"GET", "k"}))
	require.Equal(t, 1, tr.uniqueShardCnt)
	require.Len(t, tr.shardData, 1)
	require.Equal(t, -1, tr.shardData[0].argCount)

	got := tr.ShardArgsInShard(tr.uniqueShardID)
	require.Equal(t, []string{"k"}, got)
}

// TestInitByArgsMultiKeyRouting checks invariant 1 and the ReverseArgIndex
// round-trip law from spec.md section 8 for a command whose keys spread
// across more than one shard.
func TestInitByArgsMultiKeyRouting(t *testing.T) {
	tr := New(setCmd("MGET", OptReadOnly, 1), &fakeShardSet{size: 4})
	args := []string{"MGET", "a", "b", "c", "d", "e"}
	require.NoError(t, tr.InitByArgs(0, args))

	total := 0
	for sid := uint32(0); sid < 4; sid++ {
		keys := tr.ShardArgsInShard(sid)
		for j, key := range keys {
			orig := tr.ReverseArgIndex(sid, j)
			require.Equal(t, key, args[orig], "ReverseArgIndex round trip broken")
		}
		total += len(keys)
	}
	require.Equal(t, len(args)-1, total)
}

// TestInitByArgsGlobalTouchesEveryShard covers invariant 3: a GLOBAL_TRANS
// command spans every shard with no per-key routing at all.
func TestInitByArgsGlobalTouchesEveryShard(t *testing.T) {
	tr := New(setCmd("FLUSHDB", OptGlobalTrans, 1), &fakeShardSet{size: 6})
	require.NoError(t, tr.InitByArgs(0, []string{"FLUSHDB"}))
	require.Equal(t, 6, tr.uniqueShardCnt)
	require.Len(t, tr.shardData, 6)
}

// TestInitByArgsKeylessCommand covers the zero-key scripted-command branch.
func TestInitByArgsKeylessCommand(t *testing.T) {
	tr := New(setCmd("EVAL", 0, 1), &fakeShardSet{size: 4})
	tr.cid = &fakeCmd{name: "EVAL", keyRange: func(args []string) (KeyIndex, error) {
		return KeyIndex{Start: len(args), End: len(args), Step: 1}, nil
	}}
	require.NoError(t, tr.InitByArgs(0, []string{"EVAL", "return 1"}))
	require.Equal(t, 0, tr.uniqueShardCnt)
}

func TestShardIdxCollapsesOnlyForNonMultiSingleShard(t *testing.T) {
	tr := New(setCmd("GET", OptReadOnly, 1), &fakeShardSet{size: 8})
	tr.uniqueShardCnt = 1
	require.Equal(t, uint32(0), tr.shardIdx(5), "a non-multi single-shard transaction collapses every shard id to slot 0")

	tr.multi = &multiState{locks: make(map[string]*lockCount)}
	require.Equal(t, uint32(5), tr.shardIdx(5), "once a multi state is present, shardIdx must not collapse")
}
