package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/natefinch/atomic"
)

const (
	manifestName    = "MANIFEST"
	manifestVersion = 1
)

// manifest pins the geometry a directory was created with. Bucket and slot
// indices are derived from these numbers, so reopening with different values
// would silently address the wrong records.
type manifest struct {
	Version      int    `cbor:"ver"`
	Buckets      uint64 `cbor:"buckets"`
	SlotsPerFile uint64 `cbor:"slots"`
	SlotSize     int    `cbor:"slotsize"`
}

func (m manifest) sameGeometry(o manifest) bool {
	return m.Buckets == o.Buckets && m.SlotsPerFile == o.SlotsPerFile && m.SlotSize == o.SlotSize
}

// loadOrCreateManifest validates an existing manifest or writes a new one.
func loadOrCreateManifest(dir string, want manifest) error {
	path := filepath.Join(dir, manifestName)
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		b, err := cbor.Marshal(want)
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read manifest: %w", err)
	}

	var got manifest
	if err := cbor.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	if got.Version != manifestVersion {
		return fmt.Errorf("%w: manifest version %d, want %d", ErrGeometryMismatch, got.Version, manifestVersion)
	}
	if !got.sameGeometry(want) {
		return fmt.Errorf("%w: on disk buckets=%d slots=%d slotsize=%d, requested buckets=%d slots=%d slotsize=%d",
			ErrGeometryMismatch, got.Buckets, got.SlotsPerFile, got.SlotSize, want.Buckets, want.SlotsPerFile, want.SlotSize)
	}
	return nil
}
