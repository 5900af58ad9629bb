package store

import "errors"

var (
	ErrLocked           = errors.New("store directory is locked by another process")
	ErrGeometryMismatch = errors.New("store geometry does not match manifest")
	ErrCorruptChain     = errors.New("corrupt collision chain")
	ErrClosed           = errors.New("store is closed")
)
