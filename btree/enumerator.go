package btree

import "context"

// Enumerator walks the tree in ascending key order.
//
//	e, err := bt.Enumerate(ctx, false)
//	...
//	defer e.Close()
//	for e.Next() {
//		use(e.Key(), e.Value())
//	}
//	if err := e.Err(); err != nil { ... }
//
// A locked enumerator holds the exclusive lock until Close. An unlocked one
// stops with ErrInvalidated once the tree changes under it.
type Enumerator struct {
	bt      *BTree
	release func()
	version uint64

	leafID int
	pos    int

	key   []byte
	value []byte
	err   error
	done  bool
}

// Enumerate starts an ordered traversal. With locked set it first acquires
// the exclusive lock, which may fail with ErrLockTimeout.
func (bt *BTree) Enumerate(ctx context.Context, locked bool) (*Enumerator, error) {
	if bt.closed.Load() {
		return nil, ErrClosed
	}

	e := &Enumerator{bt: bt}
	if locked {
		release, err := bt.Lock(ctx)
		if err != nil {
			return nil, err
		}
		e.release = release
	}

	bt.mu.RLock()
	defer bt.mu.RUnlock()

	e.version = bt.version.Load()
	_, leaf, err := descend(bt.loadNode, bt.RootID, nil, false)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.leafID = leaf.ID
	return e, nil
}

// Next advances to the next entry and reports whether there is one.
func (e *Enumerator) Next() bool {
	if e.done || e.err != nil {
		return false
	}

	bt := e.bt
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	if bt.closed.Load() {
		e.fail(ErrClosed)
		return false
	}
	if bt.version.Load() != e.version {
		e.fail(ErrInvalidated)
		return false
	}

	for {
		leaf, err := bt.loadNode(e.leafID)
		if err != nil {
			e.fail(err)
			return false
		}

		if e.pos < len(leaf.Entries) {
			entry := leaf.Entries[e.pos]
			value, err := bt.entryValue(entry)
			if err != nil {
				e.fail(err)
				return false
			}
			e.key = cloneBytes(entry.Key)
			e.value = value
			e.pos++
			return true
		}

		if leaf.Next == 0 {
			e.done = true
			e.key, e.value = nil, nil
			return false
		}
		e.leafID = leaf.Next
		e.pos = 0
	}
}

func (e *Enumerator) fail(err error) {
	e.err = err
	e.key, e.value = nil, nil
}

// Key returns the current entry's key.
func (e *Enumerator) Key() []byte {
	return e.key
}

// Value returns the current entry's value.
func (e *Enumerator) Value() []byte {
	return e.value
}

func (e *Enumerator) Err() error {
	return e.err
}

// Close ends the traversal and releases the lock of a locked enumerator.
// It is safe to call more than once.
func (e *Enumerator) Close() {
	e.done = true
	if e.release != nil {
		e.release()
	}
}
