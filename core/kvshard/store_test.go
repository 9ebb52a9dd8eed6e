package kvshard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardflow/shardflow/core/txn"
)

func TestStoreGetSetRoundTrip(t *testing.T) {
	s := NewStore(1)
	s.Set(0, "k", "v")
	got, ok, err := s.Get(0, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", got)
}

func TestStoreGetMissingKey(t *testing.T) {
	s := NewStore(1)
	_, ok, err := s.Get(0, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreGetWrongType(t *testing.T) {
	s := NewStore(1)
	require.NoError(t, s.RPush(0, "list-key", "x"))
	_, _, err := s.Get(0, "list-key")
	require.ErrorIs(t, err, txn.ErrWrongType)
}

func TestStoreRPushLPopFIFO(t *testing.T) {
	s := NewStore(1)
	require.NoError(t, s.RPush(0, "q", "a"))
	require.NoError(t, s.RPush(0, "q", "b"))

	v, ok, err := s.LPop(0, "q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)

	v, ok, err = s.LPop(0, "q")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", v)
}

func TestStoreLPopEmptiesKey(t *testing.T) {
	s := NewStore(1)
	require.NoError(t, s.RPush(0, "q", "only"))
	_, _, err := s.LPop(0, "q")
	require.NoError(t, err)

	_, ok, err := s.LPop(0, "q")
	require.NoError(t, err)
	require.False(t, ok, "popping an emptied list should behave like popping a missing key")
}

func TestStoreFindFirstSkipsMissingKeys(t *testing.T) {
	s := NewStore(1)
	require.NoError(t, s.RPush(0, "ready", "payload"))

	res, status := s.FindFirst(0, []string{"missing", "ready"})
	require.Equal(t, txn.StatusOK, status)
	require.True(t, res.Found)
	require.Equal(t, 1, res.ArgIndex)
	require.Equal(t, "payload", res.Value)
}

func TestStoreFindFirstWrongType(t *testing.T) {
	s := NewStore(1)
	s.Set(0, "str-key", "v")

	_, status := s.FindFirst(0, []string{"str-key"})
	require.Equal(t, txn.StatusWrongType, status)
}

func TestStoreDelReportsWhetherKeyExisted(t *testing.T) {
	s := NewStore(1)
	s.Set(0, "k", "v")
	require.True(t, s.Del(0, "k"))
	require.False(t, s.Del(0, "k"))
}

func TestStoreFlushClearsOnlyItsDatabase(t *testing.T) {
	s := NewStore(2)
	s.Set(0, "k", "v")
	s.Set(1, "k", "v")
	s.Flush(0)

	_, ok, _ := s.Get(0, "k")
	require.False(t, ok)
	_, ok, _ = s.Get(1, "k")
	require.True(t, ok, "Flush must not touch other logical databases")
}
