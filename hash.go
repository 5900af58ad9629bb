package cache

import xxhash "github.com/cespare/xxhash/v2"

// KeyHasher computes the two independent 64-bit hashes of a key. hash1
// selects the bucket (in memory and on disk) and the native slot; hash2 is
// only compared. Both must match before the full key comparison runs.
type KeyHasher interface {
	Hash(key *Key) (hash1, hash2 uint64)
}

// DualHasher uses xxHash64 for hash1 and folded FNV-1a for hash2.
type DualHasher struct{}

func (DualHasher) Hash(key *Key) (uint64, uint64) {
	return xxhash.Sum64(key[:]), fnvHash64(key[:])
}

// HashKey returns the default hashes for key; tools use it to locate records
// without an Engine.
func HashKey(key *Key) (uint64, uint64) {
	return DualHasher{}.Hash(key)
}
