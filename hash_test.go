package cache

import (
	"fmt"
	"testing"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = []string{
	"a",
	"test",
	"testkey1",
	"user:profile:12345",
	"cache:session:user:1234567890:data",
	"this:is:a:very:long:cache:key:that:represents:typical:usage:in:high:performance:systems",
}

func TestDualHasher_Consistent(t *testing.T) {
	for _, s := range testKeys {
		k := MakeKey(s)
		a1, a2 := HashKey(&k)
		b1, b2 := DualHasher{}.Hash(&k)
		assert.Equal(t, a1, b1, s)
		assert.Equal(t, a2, b2, s)
	}
}

func TestDualHasher_HashesFullKeyWidth(t *testing.T) {
	k := MakeKey("test")
	h1, h2 := HashKey(&k)
	assert.Equal(t, xxhash.Sum64(k[:]), h1)
	assert.Equal(t, fnvHash64(k[:]), h2)
	assert.NotEqual(t, xxhash.Sum64String("test"), h1, "hash must cover padding")
}

func TestDualHasher_Distribution(t *testing.T) {
	seen1 := make(map[uint64]string)
	seen2 := make(map[uint64]string)
	for i := 0; i < 10000; i++ {
		s := fmt.Sprintf("user:session:id:%d:data", i)
		k := MakeKey(s)
		h1, h2 := HashKey(&k)
		require.NotContains(t, seen1, h1, "hash1 collision for %q", s)
		require.NotContains(t, seen2, h2, "hash2 collision for %q", s)
		seen1[h1], seen2[h2] = s, s
	}
}

// constHasher sends every key to the same bucket with the same hash2 so
// lookups must fall through to a full key comparison.
type constHasher struct{ h1, h2 uint64 }

func (c constHasher) Hash(*Key) (uint64, uint64) { return c.h1, c.h2 }

func BenchmarkDualHasher(b *testing.B) {
	for _, s := range testKeys {
		k := MakeKey(s)
		b.Run(fmt.Sprintf("len_%d", len(s)), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = HashKey(&k)
			}
		})
	}
}
