// Package partition maps routing keys onto a fixed number of partitions.
// The command log and the in-memory state tables share it so a key always lands on the same shard.
package partition

import "github.com/cespare/xxhash/v2"

// Of returns the partition index in [0, n) for key. n must be positive.
func Of(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
