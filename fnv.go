package cache

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// fnvHash64 is FNV-1a over b followed by an XOR-fold of the upper half into
// the lower half, which spreads entropy into the low bits used for bucket and
// slot selection.
func fnvHash64(b []byte) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(b); i++ {
		h ^= uint64(b[i])
		h *= fnvPrime64
	}
	return h ^ (h >> 32)
}
