package serialization

import (
	"errors"
	"fmt"
)

// Type tags written in front of every serialized value. Index encodings
// order values of different types by tag, so TypeNull must stay lowest.
const (
	TypeNull      byte = 0x01
	TypeBoolean   byte = 0x02
	TypeInt64     byte = 0x03
	TypeUInt64    byte = 0x04
	TypeDouble    byte = 0x05
	TypeString    byte = 0x06
	TypeByteArray byte = 0x07
	TypeDateTime  byte = 0x08
	TypeGUID      byte = 0x09
	TypeArray     byte = 0x0a
	TypeObject    byte = 0x0b
)

var (
	ErrFieldNotFound   = errors.New("serialization: field not found")
	ErrUnsupportedType = errors.New("serialization: unsupported value type")
	ErrUnexpectedType  = errors.New("serialization: unexpected type tag")
	ErrUnexpectedEOF   = errors.New("serialization: unexpected end of data")
	ErrCorrupt         = errors.New("serialization: corrupt data")
)

// ObjectSerializer converts objects of one kind to and from their binary
// form and exposes field values for index key construction.
type ObjectSerializer interface {
	// Serialize writes obj to w. Embedded objects omit nothing in this
	// format but the flag is passed through to nested values. forIndex
	// selects the order-preserving encoding.
	Serialize(w *Writer, embedded bool, forIndex bool, obj any) error

	// Deserialize reads an object. typeTag is the tag expected at the
	// reader's position, or 0 if the tag should be read from the stream.
	Deserialize(r *Reader, typeTag byte, embedded bool) (any, error)

	// FieldValue returns the value of a named field. Absent fields yield
	// ErrFieldNotFound.
	FieldValue(obj any, field string) (any, error)
}

// Decoder turns a stored object record into a concrete value.
type Decoder[T any] interface {
	Decode(raw []byte) (T, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc[T any] func(raw []byte) (T, error)

func (f DecoderFunc[T]) Decode(raw []byte) (T, error) {
	return f(raw)
}

func TypeName(tag byte) string {
	switch tag {
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeByteArray:
		return "bytes"
	case TypeDateTime:
		return "datetime"
	case TypeGUID:
		return "guid"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return fmt.Sprintf("unknown(0x%02x)", tag)
	}
}
