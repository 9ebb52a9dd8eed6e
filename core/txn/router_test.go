package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteKeyDeterministic(t *testing.T) {
	const numShards = 8
	sid := RouteKey("account:42", numShards)
	for i := 0; i < 10; i++ {
		require.Equal(t, sid, RouteKey("account:42", numShards))
	}
	require.Less(t, sid, uint32(numShards))
}

func TestRouteKeySpreadsAcrossShards(t *testing.T) {
	const numShards = 4
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		seen[RouteKey(key, numShards)] = true
	}
	require.Greater(t, len(seen), 1, "expected keys to spread across multiple shards")
}

func TestRouteKeyZeroShards(t *testing.T) {
	require.Equal(t, uint32(0), RouteKey("k", 0))
}
