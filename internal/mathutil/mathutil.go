// Package mathutil holds small integer helpers shared by the cache index and
// the store geometry checks.
package mathutil

import "math/bits"

type unsigned interface {
	~uint | ~uint32 | ~uint64
}

// NextPowerOf2 rounds n up to a power of two; n <= 1 yields 1.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// IsPowerOf2 reports whether n is a non-zero power of two.
func IsPowerOf2[T unsigned](n T) bool {
	return n != 0 && n&(n-1) == 0
}
