package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, dir string, buckets, slots uint64) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, Buckets: buckets, SlotsPerFile: slots})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func kv(k, v string) (Key, Value) { return MakeKey(k), MakeValue(v) }

func mustWrite(t *testing.T, s *Store, h1, h2 uint64, k, v string) {
	t.Helper()
	key, val := kv(k, v)
	require.NoError(t, s.Write(h1, h2, &key, &val))
}

func mustRead(t *testing.T, s *Store, h1, h2 uint64, k string) (string, bool) {
	t.Helper()
	key := MakeKey(k)
	v, ok, err := s.Read(h1, h2, &key)
	require.NoError(t, err)
	return v.String(), ok
}

func mustDelete(t *testing.T, s *Store, h1, h2 uint64, k string) bool {
	t.Helper()
	key := MakeKey(k)
	ok, err := s.Delete(h1, h2, &key)
	require.NoError(t, err)
	return ok
}

func TestSlotEncoding(t *testing.T) {
	in := slot{left: 1, right: 2, hash1: 3, hash2: 4, key: MakeKey("k"), value: MakeValue("v")}
	buf := make([]byte, SlotSize)
	in.encode(buf)

	var out slot
	out.decode(buf)
	assert.Equal(t, in, out)
	assert.False(t, out.empty())

	out.decode(emptySlot)
	assert.True(t, out.empty())
	assert.Equal(t, 544, SlotSize)
}

func TestMakeKeyTruncatesAndPads(t *testing.T) {
	long := bytes.Repeat([]byte("x"), KeySize+10)
	k := MakeKey(string(long))
	assert.Equal(t, KeySize, len(k.String()))

	k = MakeKey("abc")
	assert.Equal(t, "abc", k.String())
	assert.Zero(t, k[3])
}

func TestRoundTrip(t *testing.T) {
	s := openTest(t, t.TempDir(), 16, 32)

	for i := 0; i < 100; i++ {
		h := uint64(i * 7919)
		mustWrite(t, s, h, h^0xff, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
	}
	for i := 0; i < 100; i++ {
		h := uint64(i * 7919)
		v, ok := mustRead(t, s, h, h^0xff, fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v)
	}
	for i := 0; i < 100; i += 2 {
		h := uint64(i * 7919)
		require.True(t, mustDelete(t, s, h, h^0xff, fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 100; i++ {
		h := uint64(i * 7919)
		_, ok := mustRead(t, s, h, h^0xff, fmt.Sprintf("key-%d", i))
		assert.Equal(t, i%2 == 1, ok, i)
	}
}

func TestOverwriteInPlace(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, 4, 8)

	mustWrite(t, s, 5, 5, "k", "v1")
	mustWrite(t, s, 5, 5, "k", "v2")
	v, ok := mustRead(t, s, 5, 5, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	fi, err := os.Stat(s.path(1))
	require.NoError(t, err)
	assert.EqualValues(t, 8*SlotSize, fi.Size(), "overwrite must not append")
}

func TestReadMissCreatesNoFile(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, 4, 8)

	_, ok := mustRead(t, s, 1, 1, "nope")
	assert.False(t, ok)
	assert.False(t, mustDelete(t, s, 1, 1, "nope"))
	assert.Zero(t, s.Files())
	_, err := os.Stat(s.path(1))
	assert.True(t, os.IsNotExist(err))
}

func TestDistinguishesByHash2AndKey(t *testing.T) {
	s := openTest(t, t.TempDir(), 1, 4)

	mustWrite(t, s, 2, 10, "k", "a")
	_, ok := mustRead(t, s, 2, 11, "k")
	assert.False(t, ok, "hash2 mismatch")
	_, ok = mustRead(t, s, 2, 10, "other")
	assert.False(t, ok, "key mismatch")
}

// All keys share hash1 and hash2, so they chain from one native slot.
func TestCollisionChain(t *testing.T) {
	s := openTest(t, t.TempDir(), 2, 4)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		mustWrite(t, s, 9, 9, k, "v-"+k)
	}
	for _, k := range keys {
		v, ok := mustRead(t, s, 9, 9, k)
		require.True(t, ok, k)
		assert.Equal(t, "v-"+k, v)
	}

	fi, err := os.Stat(s.path(1))
	require.NoError(t, err)
	assert.EqualValues(t, (4+4)*SlotSize, fi.Size())
}

func TestDeleteChainCases(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		del     []string
		survive []string
	}{
		{name: "sole native", keys: []string{"a"}, del: []string{"a"}},
		{name: "native with one follower", keys: []string{"a", "b"}, del: []string{"a"}, survive: []string{"b"}},
		{name: "native with several followers", keys: []string{"a", "b", "c", "d"}, del: []string{"a"}, survive: []string{"b", "c", "d"}},
		{name: "middle member", keys: []string{"a", "b", "c"}, del: []string{"b"}, survive: []string{"a", "c"}},
		{name: "last member", keys: []string{"a", "b", "c"}, del: []string{"c"}, survive: []string{"a", "b"}},
		{name: "native twice", keys: []string{"a", "b", "c"}, del: []string{"a", "b"}, survive: []string{"c"}},
		{name: "all", keys: []string{"a", "b", "c"}, del: []string{"b", "a", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTest(t, t.TempDir(), 1, 4)
			for _, k := range tt.keys {
				mustWrite(t, s, 2, 2, k, "v-"+k)
			}
			for _, k := range tt.del {
				require.True(t, mustDelete(t, s, 2, 2, k), k)
				assert.False(t, mustDelete(t, s, 2, 2, k), k)
			}
			for _, k := range tt.del {
				_, ok := mustRead(t, s, 2, 2, k)
				assert.False(t, ok, k)
			}
			for _, k := range tt.survive {
				v, ok := mustRead(t, s, 2, 2, k)
				require.True(t, ok, k)
				assert.Equal(t, "v-"+k, v)
			}

			// Re-insert after deletion still works.
			mustWrite(t, s, 2, 2, "z", "v-z")
			v, ok := mustRead(t, s, 2, 2, "z")
			require.True(t, ok)
			assert.Equal(t, "v-z", v)
		})
	}
}

func TestCorruptChainDetected(t *testing.T) {
	s := openTest(t, t.TempDir(), 1, 4)
	mustWrite(t, s, 1, 1, "a", "1")

	f, err := os.OpenFile(s.path(0), os.O_RDWR, 0)
	require.NoError(t, err)
	require.NoError(t, writeLink(f, 1, offRight, 99))
	require.NoError(t, f.Close())

	key := MakeKey("missing")
	_, _, err = s.Read(1, 1, &key)
	require.ErrorIs(t, err, ErrCorruptChain)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Buckets: 8, SlotsPerFile: 16})
	require.NoError(t, err)
	mustWrite(t, s, 3, 4, "k", "v")
	require.NoError(t, s.Close())

	s2 := openTest(t, dir, 8, 16)
	assert.EqualValues(t, 1, s2.Files())
	v, ok := mustRead(t, s2, 3, 4, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Buckets: 8, SlotsPerFile: 16})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(Options{Dir: dir, Buckets: 16, SlotsPerFile: 16})
	require.ErrorIs(t, err, ErrGeometryMismatch)

	// The failed open must not leave the directory locked.
	s, err = Open(Options{Dir: dir, Buckets: 8, SlotsPerFile: 16})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, 4, 4)

	_, err := Open(Options{Dir: dir, Buckets: 4, SlotsPerFile: 4})
	require.ErrorIs(t, err, ErrLocked)
	require.NoError(t, s.Close())

	s2, err := Open(Options{Dir: dir, Buckets: 4, SlotsPerFile: 4})
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir(), Buckets: 2, SlotsPerFile: 2})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	key, val := kv("k", "v")
	_, _, err = s.Read(0, 0, &key)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write(0, 0, &key, &val), ErrClosed)
	_, err = s.Delete(0, 0, &key)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Walk(func(Record) error { return nil }), ErrClosed)
}

func TestScanIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.db"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "99999.db"), nil, 0o644))
	s := openTest(t, dir, 4, 4)
	assert.Zero(t, s.Files())
}

func TestConcurrentWriters(t *testing.T) {
	s := openTest(t, t.TempDir(), 4, 8)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := fmt.Sprintf("w%d-%d", w, i)
				key, val := kv(k, k)
				h := uint64(w*50 + i)
				if err := s.Write(h, h, &key, &val); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		for i := 0; i < 50; i++ {
			k := fmt.Sprintf("w%d-%d", w, i)
			h := uint64(w*50 + i)
			v, ok := mustRead(t, s, h, h, k)
			require.True(t, ok, k)
			require.Equal(t, k, v)
		}
	}
}

func TestWalkAndDump(t *testing.T) {
	s := openTest(t, t.TempDir(), 2, 4)
	mustWrite(t, s, 0, 1, "a", "1") // bucket 0 native 0
	mustWrite(t, s, 1, 2, "b", "2") // bucket 1 native 1
	mustWrite(t, s, 1, 2, "c", "3") // bucket 1 appended
	require.True(t, mustDelete(t, s, 0, 1, "a"))
	mustWrite(t, s, 2, 3, "d", "4") // bucket 0 native 2

	want := []Record{
		{Bucket: 0, Slot: 2, Native: true, Hash1: 2, Hash2: 3, Key: "d", Value: "4"},
		{Bucket: 1, Slot: 1, Native: true, Hash1: 1, Hash2: 2, Key: "b", Value: "2"},
		{Bucket: 1, Slot: 4, Native: false, Hash1: 1, Hash2: 2, Key: "c", Value: "3"},
	}

	var got []Record
	require.NoError(t, s.Walk(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Walk mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	n, err := s.Dump(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var decoded []Record
	require.NoError(t, DecodeDump(&buf, func(r Record) error {
		decoded = append(decoded, r)
		return nil
	}))
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Fatalf("DecodeDump mismatch (-want +got):\n%s", diff)
	}
}
