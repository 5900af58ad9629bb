package cache

const (
	defaultBucketCount = 16384

	// Capacity thresholds for the default LRU shard count.
	tinyCacheLimit   = 256
	mediumCacheLimit = 1 << 16

	tinyShardCount   = 1
	mediumShardCount = 32
	largeShardCount  = 128
)

// shardCountFor returns the LRU shard count used when Config.ShardCount is 0.
func shardCountFor(capacity int64) int {
	switch {
	case capacity < tinyCacheLimit:
		return tinyShardCount
	case capacity < mediumCacheLimit:
		return mediumShardCount
	default:
		return largeShardCount
	}
}

// SmallConfig suits tests and tiny deployments: one shard, a small index.
func SmallConfig(capacity int64) Config {
	return Config{
		Capacity:    capacity,
		ShardCount:  tinyShardCount,
		BucketCount: 1024,
	}
}

func MediumConfig(capacity int64) Config {
	return Config{
		Capacity:    capacity,
		ShardCount:  mediumShardCount,
		BucketCount: defaultBucketCount,
	}
}

func LargeConfig(capacity int64) Config {
	return Config{
		Capacity:      capacity,
		ShardCount:    largeShardCount,
		BucketCount:   1 << 18,
		PoolBlockSize: 4096,
	}
}

// DefaultConfig picks the shard count from capacity.
func DefaultConfig(capacity int64) Config {
	return Config{Capacity: capacity}
}
