package store

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	KeySize   = 256
	ValueSize = 256

	// slot = left | right | hash1 | hash2 | key | value
	headerSize = 4 * 8
	SlotSize   = headerSize + KeySize + ValueSize

	offLeft  = 0
	offRight = 8
	offHash1 = 16
	offHash2 = 24
	offKey   = headerSize
	offValue = headerSize + KeySize

	emptyIndex = math.MaxUint64
)

// Key is a fixed-width, zero-padded key buffer.
type Key [KeySize]byte

// Value is a fixed-width, zero-padded value buffer.
type Value [ValueSize]byte

// MakeKey copies s into a zero-padded Key; bytes beyond KeySize are dropped.
func MakeKey(s string) Key {
	var k Key
	copy(k[:], s)
	return k
}

// MakeValue copies s into a zero-padded Value; bytes beyond ValueSize are dropped.
func MakeValue(s string) Value {
	var v Value
	copy(v[:], s)
	return v
}

func (k *Key) String() string   { return trimNUL(k[:]) }
func (v *Value) String() string { return trimNUL(v[:]) }

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// slot is the decoded form of one on-disk record.
type slot struct {
	left, right  uint64
	hash1, hash2 uint64
	key          Key
	value        Value
}

func (s *slot) empty() bool {
	return s.left == emptyIndex && s.right == emptyIndex
}

func (s *slot) matches(h1, h2 uint64, key *Key) bool {
	return s.hash1 == h1 && s.hash2 == h2 && s.key == *key
}

func (s *slot) encode(b []byte) {
	_ = b[SlotSize-1]
	binary.LittleEndian.PutUint64(b[offLeft:], s.left)
	binary.LittleEndian.PutUint64(b[offRight:], s.right)
	binary.LittleEndian.PutUint64(b[offHash1:], s.hash1)
	binary.LittleEndian.PutUint64(b[offHash2:], s.hash2)
	copy(b[offKey:offValue], s.key[:])
	copy(b[offValue:SlotSize], s.value[:])
}

func (s *slot) decode(b []byte) {
	_ = b[SlotSize-1]
	s.left = binary.LittleEndian.Uint64(b[offLeft:])
	s.right = binary.LittleEndian.Uint64(b[offRight:])
	s.hash1 = binary.LittleEndian.Uint64(b[offHash1:])
	s.hash2 = binary.LittleEndian.Uint64(b[offHash2:])
	copy(s.key[:], b[offKey:offValue])
	copy(s.value[:], b[offValue:SlotSize])
}

// emptySlot is the sentinel written into every slot of a fresh file and
// into slots vacated by Delete.
var emptySlot = func() []byte {
	b := make([]byte, SlotSize)
	s := slot{left: emptyIndex, right: emptyIndex, hash1: emptyIndex, hash2: emptyIndex}
	s.encode(b)
	return b
}()

func slotOffset(idx uint64) int64 {
	return int64(idx) * SlotSize
}

// Record is a live key/value pair as seen by Walk and Dump.
type Record struct {
	Bucket uint64 `cbor:"b"`
	Slot   uint64 `cbor:"s"`
	Native bool   `cbor:"n"`
	Hash1  uint64 `cbor:"h1"`
	Hash2  uint64 `cbor:"h2"`
	Key    string `cbor:"k"`
	Value  string `cbor:"v"`
}
