package btree

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("btree: key not found")
	ErrKeyExists             = errors.New("btree: key already exists")
	ErrKeyTooLarge           = errors.New("btree: key exceeds inline size limit")
	ErrEmptyKey              = errors.New("btree: key cannot be empty")
	ErrInvalidOrder          = errors.New("btree: order must be at least 2")
	ErrLockTimeout           = errors.New("btree: timed out waiting for exclusive lock")
	ErrNotLocked             = errors.New("btree: exclusive lock not held")
	ErrStaleLocation         = errors.New("btree: leaf location used outside the lock that produced it")
	ErrInvalidated           = errors.New("btree: enumerator invalidated by a concurrent change")
	ErrClosed                = errors.New("btree: tree is closed")
	ErrEncryptionUnsupported = errors.New("btree: encryption at rest is not supported")
	ErrStorageFault          = errors.New("btree: storage fault")
)

// StorageError reports a failure below the tree contract: file I/O, a
// corrupt page or a blob checksum mismatch. It matches ErrStorageFault.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("btree: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFault
}
