package taskmessage

import "unicode/utf16"

// DefaultShardCount is the number of shards when none is configured.
const DefaultShardCount = 10

// ShardOf maps a task id to its shard ("house number"). The hash is the 32-bit
// polynomial string hash over UTF-16 code units, so rows written by earlier
// deployments land on the same shard. The absolute value is taken in 64-bit
// arithmetic and the result is never negative. That differs from a 32-bit
// abs for one hash: math.MinInt32 maps to 2147483648 % shardCount here
// (shard 8 of 10) where 32-bit overflow would give -8.
func ShardOf(taskID string, shardCount int) int {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	h := int64(stringHash(taskID))
	if h < 0 {
		h = -h
	}
	return int(h % int64(shardCount))
}

func stringHash(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(unit)
	}
	return h
}
