// Package store implements the on-disk side of the cache: one file per hash
// bucket, each file an array of fixed-size slots. A key lives at its native
// slot (hash1 mod slots-per-file) unless that slot is taken by a colliding
// key, in which case it is appended to the end of the file and spliced into a
// circular doubly-linked chain that starts at the native slot.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	DefaultDir          = "db"
	DefaultBuckets      = 16384
	DefaultSlotsPerFile = 1000

	fileSuffix = ".db"
)

// Options configures Open. Zero fields take the defaults above.
type Options struct {
	Dir          string
	Buckets      uint64
	SlotsPerFile uint64
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.Buckets == 0 {
		o.Buckets = DefaultBuckets
	}
	if o.SlotsPerFile == 0 {
		o.SlotsPerFile = DefaultSlotsPerFile
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Store is the persistent key/value store. All methods are safe for
// concurrent use; each bucket file is guarded by its own RWMutex.
type Store struct {
	dir     string
	buckets uint64
	slots   uint64

	locks []sync.RWMutex // one per bucket file

	existsMu sync.RWMutex
	exists   *roaring.Bitmap // bucket indices whose file exists

	lock   *dirLock
	closed atomic.Bool
	log    *slog.Logger
}

// Open prepares dir for use: creates it if needed, takes the directory lock,
// validates or writes the manifest and records which bucket files exist.
// It must complete before any Read/Write/Delete.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Buckets > math.MaxUint32 {
		return nil, fmt.Errorf("store: bucket count %d exceeds %d", opts.Buckets, uint64(math.MaxUint32))
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	lk, err := lockDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	want := manifest{
		Version:      manifestVersion,
		Buckets:      opts.Buckets,
		SlotsPerFile: opts.SlotsPerFile,
		SlotSize:     SlotSize,
	}
	if err := loadOrCreateManifest(opts.Dir, want); err != nil {
		_ = lk.release()
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{
		dir:     opts.Dir,
		buckets: opts.Buckets,
		slots:   opts.SlotsPerFile,
		locks:   make([]sync.RWMutex, opts.Buckets),
		exists:  roaring.New(),
		lock:    lk,
		log:     opts.Logger.With("component", "store"),
	}
	if err := s.scan(); err != nil {
		_ = lk.release()
		return nil, fmt.Errorf("store: %w", err)
	}

	s.log.Info("store opened",
		"dir", s.dir,
		"buckets", s.buckets,
		"slots_per_file", s.slots,
		"files", s.exists.GetCardinality())
	return s, nil
}

// scan fills the existence bitmap from the files present in dir.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil || idx >= s.buckets {
			s.log.Warn("ignoring unexpected file", "name", name)
			continue
		}
		s.exists.Add(uint32(idx))
	}
	return nil
}

// Close releases the directory lock. Further operations return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.lock.release()
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Files returns how many bucket files exist.
func (s *Store) Files() uint64 {
	s.existsMu.RLock()
	defer s.existsMu.RUnlock()
	return s.exists.GetCardinality()
}

func (s *Store) bucketOf(h1 uint64) uint64 { return h1 % s.buckets }
func (s *Store) nativeOf(h1 uint64) uint64 { return h1 % s.slots }

func (s *Store) path(bucket uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%05d%s", bucket, fileSuffix))
}

func (s *Store) fileExists(bucket uint64) bool {
	s.existsMu.RLock()
	defer s.existsMu.RUnlock()
	return s.exists.Contains(uint32(bucket))
}

func (s *Store) markExists(bucket uint64) {
	s.existsMu.Lock()
	s.exists.Add(uint32(bucket))
	s.existsMu.Unlock()
}

// Read returns the value stored for key. A missing file or an empty native
// slot is a miss, not an error.
func (s *Store) Read(h1, h2 uint64, key *Key) (Value, bool, error) {
	var zero Value
	if s.closed.Load() {
		return zero, false, ErrClosed
	}
	b := s.bucketOf(h1)
	mu := &s.locks[b]
	mu.RLock()
	defer mu.RUnlock()

	if !s.fileExists(b) {
		return zero, false, nil
	}
	f, err := os.Open(s.path(b))
	if err != nil {
		return zero, false, fmt.Errorf("open bucket %d: %w", b, err)
	}
	defer f.Close()

	c, err := s.walk(f, h1, h2, key)
	if err != nil {
		return zero, false, fmt.Errorf("read bucket %d: %w", b, err)
	}
	if !c.found {
		return zero, false, nil
	}
	return c.match.value, true, nil
}

// Write stores value for key, overwriting in place when the key exists and
// appending a new chained slot otherwise. The bucket file is created on the
// first write to its bucket.
func (s *Store) Write(h1, h2 uint64, key *Key, value *Value) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b := s.bucketOf(h1)
	mu := &s.locks[b]
	mu.Lock()
	defer mu.Unlock()

	f, err := s.openForWrite(b)
	if err != nil {
		return err
	}
	defer f.Close()

	native := s.nativeOf(h1)
	c, err := s.walk(f, h1, h2, key)
	if err != nil {
		return fmt.Errorf("write bucket %d: %w", b, err)
	}

	switch {
	case c.head.empty():
		sl := slot{left: native, right: native, hash1: h1, hash2: h2, key: *key, value: *value}
		return writeSlot(f, native, &sl)
	case c.found:
		if _, err := f.WriteAt(value[:], slotOffset(c.idx)+offValue); err != nil {
			return fmt.Errorf("overwrite slot %d: %w", c.idx, err)
		}
		return nil
	}

	// Append at end of file and splice between the chain tail and the native slot.
	pos := c.total
	last := c.head.left
	sl := slot{left: last, right: native, hash1: h1, hash2: h2, key: *key, value: *value}
	if err := writeSlot(f, pos, &sl); err != nil {
		return err
	}
	if err := writeLink(f, last, offRight, pos); err != nil {
		return err
	}
	return writeLink(f, native, offLeft, pos)
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(h1, h2 uint64, key *Key) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	b := s.bucketOf(h1)
	mu := &s.locks[b]
	mu.Lock()
	defer mu.Unlock()

	if !s.fileExists(b) {
		return false, nil
	}
	f, err := os.OpenFile(s.path(b), os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("open bucket %d: %w", b, err)
	}
	defer f.Close()

	c, err := s.walk(f, h1, h2, key)
	if err != nil {
		return false, fmt.Errorf("delete bucket %d: %w", b, err)
	}
	if !c.found {
		return false, nil
	}

	native := s.nativeOf(h1)
	if c.idx != native {
		l, r := c.match.left, c.match.right
		if err := writeLink(f, l, offRight, r); err != nil {
			return false, err
		}
		if err := writeLink(f, r, offLeft, l); err != nil {
			return false, err
		}
		return true, clearSlot(f, c.idx)
	}

	// Deleting the native slot itself.
	if c.match.right == native {
		return true, clearSlot(f, native)
	}

	// Promote the next chain member into the native position so lookups can
	// keep starting there.
	nextIdx := c.match.right
	var next slot
	if err := readSlot(f, nextIdx, &next); err != nil {
		return false, err
	}
	promoted := next
	if next.right == native {
		promoted.left, promoted.right = native, native
	} else {
		promoted.left = c.match.left
		if err := writeLink(f, next.right, offLeft, native); err != nil {
			return false, err
		}
	}
	if err := writeSlot(f, native, &promoted); err != nil {
		return false, err
	}
	return true, clearSlot(f, nextIdx)
}

// openForWrite opens the bucket file read-write, creating it filled with
// empty slots when it does not exist yet. Caller holds the bucket lock.
func (s *Store) openForWrite(b uint64) (*os.File, error) {
	p := s.path(b)
	if s.fileExists(b) {
		f, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open bucket %d: %w", b, err)
		}
		return f, nil
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create bucket %d: %w", b, err)
	}
	blank := make([]byte, int(s.slots)*SlotSize)
	for i := uint64(0); i < s.slots; i++ {
		copy(blank[slotOffset(i):], emptySlot)
	}
	if _, err := f.WriteAt(blank, 0); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return nil, fmt.Errorf("init bucket %d: %w", b, err)
	}
	s.markExists(b)
	s.log.Debug("bucket file created", "bucket", b, "slots", s.slots)
	return f, nil
}

// chain is the outcome of a walk over one key's collision chain.
type chain struct {
	head  slot   // native slot
	total uint64 // slots in file
	found bool
	idx   uint64 // slot index of the match
	match slot
}

// walk follows the circular chain starting at the key's native slot until it
// finds the key or returns to the native slot. The walk is bounded by the
// number of slots in the file.
func (s *Store) walk(f *os.File, h1, h2 uint64, key *Key) (chain, error) {
	var c chain
	st, err := f.Stat()
	if err != nil {
		return c, err
	}
	c.total = uint64(st.Size()) / SlotSize

	native := s.nativeOf(h1)
	if native >= c.total {
		return c, fmt.Errorf("%w: native slot %d beyond file of %d slots", ErrCorruptChain, native, c.total)
	}
	if err := readSlot(f, native, &c.head); err != nil {
		return c, err
	}
	if c.head.empty() {
		return c, nil
	}

	cur, sl := native, c.head
	for steps := uint64(0); steps <= c.total; steps++ {
		if sl.matches(h1, h2, key) {
			c.found, c.idx, c.match = true, cur, sl
			return c, nil
		}
		next := sl.right
		if next == native {
			return c, nil
		}
		if next >= c.total {
			return c, fmt.Errorf("%w: link %d beyond file of %d slots", ErrCorruptChain, next, c.total)
		}
		if err := readSlot(f, next, &sl); err != nil {
			return c, err
		}
		cur = next
	}
	return c, fmt.Errorf("%w: chain at slot %d does not return to its head", ErrCorruptChain, native)
}

func readSlot(f *os.File, idx uint64, sl *slot) error {
	var buf [SlotSize]byte
	if _, err := f.ReadAt(buf[:], slotOffset(idx)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read slot %d: %w", idx, err)
	}
	sl.decode(buf[:])
	return nil
}

func writeSlot(f *os.File, idx uint64, sl *slot) error {
	var buf [SlotSize]byte
	sl.encode(buf[:])
	if _, err := f.WriteAt(buf[:], slotOffset(idx)); err != nil {
		return fmt.Errorf("write slot %d: %w", idx, err)
	}
	return nil
}

func writeLink(f *os.File, idx uint64, field int, to uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], to)
	if _, err := f.WriteAt(buf[:], slotOffset(idx)+int64(field)); err != nil {
		return fmt.Errorf("link slot %d: %w", idx, err)
	}
	return nil
}

func clearSlot(f *os.File, idx uint64) error {
	if _, err := f.WriteAt(emptySlot, slotOffset(idx)); err != nil {
		return fmt.Errorf("clear slot %d: %w", idx, err)
	}
	return nil
}

// isNotExist reports whether err is a missing-file error.
func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
