package cache

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("invalid cache configuration")
	ErrCacheClosed   = errors.New("cache is closed")
	ErrNoBackend     = errors.New("cache requires a persistent store backend")
)

// CacheError annotates an error with the engine operation that produced it.
type CacheError struct {
	Op    string
	Cause error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Cause)
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

func wrapError(op string, err error) *CacheError {
	return &CacheError{
		Op:    op,
		Cause: err,
	}
}
