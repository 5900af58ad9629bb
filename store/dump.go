package store

import (
	"bufio"
	"fmt"
	"io"
	"os"

	cbor "github.com/fxamacker/cbor/v2"
)

// Walk calls fn for every live record, in bucket then slot order. Each
// bucket is read under its shared lock; fn runs after the lock is released,
// so it may call back into the store.
func (s *Store) Walk(fn func(Record) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.existsMu.RLock()
	buckets := s.exists.ToArray()
	s.existsMu.RUnlock()

	for _, b := range buckets {
		recs, err := s.readBucket(uint64(b))
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) readBucket(b uint64) ([]Record, error) {
	mu := &s.locks[b]
	mu.RLock()
	defer mu.RUnlock()

	f, err := os.Open(s.path(b))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open bucket %d: %w", b, err)
	}
	defer f.Close()

	var (
		out []Record
		buf [SlotSize]byte
		sl  slot
	)
	r := bufio.NewReaderSize(f, 64<<10)
	for idx := uint64(0); ; idx++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return nil, fmt.Errorf("scan bucket %d: %w", b, err)
		}
		sl.decode(buf[:])
		if sl.empty() {
			continue
		}
		out = append(out, Record{
			Bucket: b,
			Slot:   idx,
			Native: idx < s.slots,
			Hash1:  sl.hash1,
			Hash2:  sl.hash2,
			Key:    sl.key.String(),
			Value:  sl.value.String(),
		})
	}
}

// Dump writes every live record to w as a CBOR sequence and returns the
// number of records written.
func (s *Store) Dump(w io.Writer) (int, error) {
	enc := cbor.NewEncoder(w)
	n := 0
	err := s.Walk(func(r Record) error {
		if err := enc.Encode(r); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// DecodeDump reads a CBOR record sequence produced by Dump.
func DecodeDump(r io.Reader, fn func(Record) error) error {
	dec := cbor.NewDecoder(r)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode dump: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
