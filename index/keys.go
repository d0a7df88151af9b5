package index

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nutelladb/serialization"
)

// identitySize is the encoded length of the object identity that ends
// every index key: a type tag and 16 bytes.
const identitySize = 1 + 16

// KeyBuilder derives index keys from an ordered list of fields. It keeps no
// state besides the field list and is safe for concurrent use.
type KeyBuilder struct {
	fields []string
}

func NewKeyBuilder(fields ...string) *KeyBuilder {
	return &KeyBuilder{fields: append([]string(nil), fields...)}
}

func (b *KeyBuilder) Fields() []string {
	return append([]string(nil), b.fields...)
}

// Build writes each field's value in index encoding, then the identity.
// Absent fields encode as null so they sort before every present value.
func (b *KeyBuilder) Build(id uuid.UUID, obj any, s serialization.ObjectSerializer) ([]byte, error) {
	w := serialization.NewWriter()
	for _, field := range b.fields {
		v, err := s.FieldValue(obj, field)
		if errors.Is(err, serialization.ErrFieldNotFound) {
			v = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read field %s: %w", field, err)
		}

		if err := w.WriteValue(v, true); err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", field, err)
		}
	}
	w.WriteGUID(id)
	return w.Bytes(), nil
}

// ObjectID extracts the identity from the end of an index key.
func ObjectID(key []byte) (uuid.UUID, error) {
	if len(key) < identitySize || key[len(key)-identitySize] != serialization.TypeGUID {
		return uuid.Nil, fmt.Errorf("%w: index key has no identity suffix", ErrMalformedKey)
	}
	return uuid.FromBytes(key[len(key)-16:])
}

// FieldValues decodes the indexed field values at the front of key.
func FieldValues(key []byte, n int) ([]any, error) {
	r := serialization.NewReader(key)
	values := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.ReadIndexValue()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		values = append(values, v)
	}
	return values, nil
}
