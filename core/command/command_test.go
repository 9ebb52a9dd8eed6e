package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardflow/shardflow/core/txn"
)

func TestRegistryLookupKnownCommands(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"GET", "SET", "MGET", "MSET", "DEL", "RPUSH", "LPOP", "BLPOP", "FLUSHDB", "MULTI", "EXEC"} {
		d, err := r.Lookup(name)
		require.NoError(t, err, name)
		require.Equal(t, name, d.Name())
	}
}

func TestRegistryLookupUnknownCommand(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("NOSUCHCOMMAND")
	require.Error(t, err)
}

func TestFlushDBIsGlobal(t *testing.T) {
	r := NewRegistry()
	d, err := r.Lookup("FLUSHDB")
	require.NoError(t, err)
	require.True(t, d.OptionMask().Has(txn.OptGlobalTrans))
}

func TestGetIsReadOnly(t *testing.T) {
	r := NewRegistry()
	d, err := r.Lookup("GET")
	require.NoError(t, err)
	require.True(t, d.OptionMask().Has(txn.OptReadOnly))

	s, err := r.Lookup("SET")
	require.NoError(t, err)
	require.False(t, s.OptionMask().Has(txn.OptReadOnly))
}

func TestBLPopKeyRangeExcludesTimeout(t *testing.T) {
	r := NewRegistry()
	d, err := r.Lookup("BLPOP")
	require.NoError(t, err)

	ki, err := d.DetermineKeys([]string{"BLPOP", "q1", "q2", "5"})
	require.NoError(t, err)
	require.Equal(t, 1, ki.Start)
	require.Equal(t, 3, ki.End)
}

func TestRPushKeyRangeIsFirstArgOnly(t *testing.T) {
	r := NewRegistry()
	d, err := r.Lookup("RPUSH")
	require.NoError(t, err)

	ki, err := d.DetermineKeys([]string{"RPUSH", "q", "v1", "v2"})
	require.NoError(t, err)
	require.Equal(t, 1, ki.Start)
	require.Equal(t, 2, ki.End)
}
