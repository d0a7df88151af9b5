package index

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"nutelladb/btree"
	"nutelladb/serialization"
)

// Entry is one index entry: the key, the identity it ends with and the
// indexed field values it starts with.
type Entry struct {
	Key      []byte
	ObjectID uuid.UUID
	Values   []any
}

// Enumerator walks an index in key order. A locked enumerator blocks every
// index mutation until Close; an unlocked one fails with ErrInvalidated
// after a concurrent change.
type Enumerator struct {
	inner   *btree.Enumerator
	nfields int
	current Entry
	err     error
}

// Enumerate starts an ordered scan of the index.
func (idx *Index) Enumerate(ctx context.Context, locked bool) (*Enumerator, error) {
	if idx.closed.Load() {
		return nil, ErrDisposed
	}
	inner, err := idx.tree.Enumerate(ctx, locked)
	if err != nil {
		return nil, idx.translate(err)
	}
	return &Enumerator{inner: inner, nfields: len(idx.fields)}, nil
}

func (e *Enumerator) Next() bool {
	if e.err != nil {
		return false
	}
	if !e.inner.Next() {
		if err := e.inner.Err(); err != nil {
			e.fail(err)
		}
		return false
	}

	key := e.inner.Key()
	id, err := ObjectID(key)
	if err != nil {
		e.fail(err)
		return false
	}
	values, err := FieldValues(key, e.nfields)
	if err != nil {
		e.fail(err)
		return false
	}
	e.current = Entry{Key: key, ObjectID: id, Values: values}
	return true
}

func (e *Enumerator) fail(err error) {
	if errors.Is(err, btree.ErrClosed) {
		err = ErrDisposed
	}
	e.err = err
	e.current = Entry{}
}

func (e *Enumerator) Entry() Entry {
	return e.current
}

func (e *Enumerator) Err() error {
	return e.err
}

// Close releases the lock held by a locked enumerator. It is idempotent.
func (e *Enumerator) Close() {
	e.inner.Close()
}

// TypedEnumerator walks an index in key order and decodes the object behind
// each entry with a caller supplied decoder.
type TypedEnumerator[T any] struct {
	ctx     context.Context
	entries *Enumerator
	owner   ObjectSource
	dec     serialization.Decoder[T]

	current T
	err     error
}

// EnumerateTyped is Enumerate with each entry's object loaded from the
// owning store and decoded by dec.
func EnumerateTyped[T any](ctx context.Context, idx *Index, locked bool, dec serialization.Decoder[T]) (*TypedEnumerator[T], error) {
	owner, err := idx.source()
	if err != nil {
		return nil, err
	}
	entries, err := idx.Enumerate(ctx, locked)
	if err != nil {
		return nil, err
	}
	return &TypedEnumerator[T]{ctx: ctx, entries: entries, owner: owner, dec: dec}, nil
}

func (e *TypedEnumerator[T]) Next() bool {
	var zero T
	e.current = zero
	if e.err != nil || !e.entries.Next() {
		if e.err == nil {
			e.err = e.entries.Err()
		}
		return false
	}

	raw, err := e.owner.LoadRaw(e.ctx, e.entries.Entry().ObjectID)
	if err != nil {
		e.err = err
		return false
	}
	v, err := e.dec.Decode(raw)
	if err != nil {
		e.err = err
		return false
	}
	e.current = v
	return true
}

func (e *TypedEnumerator[T]) Value() T {
	return e.current
}

func (e *TypedEnumerator[T]) Entry() Entry {
	return e.entries.Entry()
}

func (e *TypedEnumerator[T]) Err() error {
	return e.err
}

func (e *TypedEnumerator[T]) Close() {
	e.entries.Close()
}
