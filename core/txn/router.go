package txn

import "hash/crc32"

// RouteKey deterministically maps a key to one of numShards shards, using a
// CRC32-then-modulo scheme with no slot-range indirection: this coordinator
// has no shard migration to support, so the shard id is the direct target
// rather than a slot that maps to a shard.
func RouteKey(key string, numShards int) uint32 {
	if numShards <= 0 {
		return 0
	}
	return crc32.ChecksumIEEE([]byte(key)) % uint32(numShards)
}
