package serialization

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Writer accumulates a binary serialization.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the serialization written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

func (w *Writer) WriteRaw(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *Writer) WriteVarint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// WriteString writes a length-prefixed string without a type tag.
func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteGUID writes a tagged identity in a form that is identical in both
// storage and index encodings.
func (w *Writer) WriteGUID(id uuid.UUID) {
	w.buf = append(w.buf, TypeGUID)
	w.buf = append(w.buf, id[:]...)
}

// WriteValue writes a tagged value. Documents and arrays recurse.
func (w *Writer) WriteValue(v any, forIndex bool) error {
	tag, nv, err := normalize(v)
	if err != nil {
		return err
	}
	if forIndex {
		return w.writeIndexValue(tag, nv)
	}
	return w.writeStorageValue(tag, nv)
}

func (w *Writer) writeStorageValue(tag byte, v any) error {
	w.buf = append(w.buf, tag)

	switch tag {
	case TypeNull:
	case TypeBoolean:
		if v.(bool) {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}
	case TypeInt64:
		w.WriteVarint(v.(int64))
	case TypeUInt64:
		w.WriteUvarint(v.(uint64))
	case TypeDouble:
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v.(float64)))
	case TypeString:
		w.WriteString(v.(string))
	case TypeByteArray:
		b := v.([]byte)
		w.WriteUvarint(uint64(len(b)))
		w.buf = append(w.buf, b...)
	case TypeDateTime:
		ts := v.(time.Time)
		w.WriteVarint(ts.Unix())
		w.WriteUvarint(uint64(ts.Nanosecond()))
	case TypeGUID:
		id := v.(uuid.UUID)
		w.buf = append(w.buf, id[:]...)
	case TypeArray:
		items := v.([]any)
		w.WriteUvarint(uint64(len(items)))
		for _, item := range items {
			if err := w.WriteValue(item, false); err != nil {
				return err
			}
		}
	case TypeObject:
		doc := v.(Document)
		names := doc.FieldNames()
		w.WriteUvarint(uint64(len(names)))
		for _, name := range names {
			w.WriteString(name)
			if err := w.WriteValue(doc[name], false); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("%w: tag 0x%02x", ErrUnsupportedType, tag)
	}

	return nil
}

// writeIndexValue writes the order-preserving encoding: for two values of
// the same type, bytes.Compare of the encodings matches value order, and no
// encoding is a proper prefix of another.
func (w *Writer) writeIndexValue(tag byte, v any) error {
	switch tag {
	case TypeInt64, TypeUInt64, TypeDouble:
		w.writeIndexNumber(tag, v)
		return nil
	}

	w.buf = append(w.buf, tag)

	switch tag {
	case TypeNull:
	case TypeBoolean:
		if v.(bool) {
			w.buf = append(w.buf, 1)
		} else {
			w.buf = append(w.buf, 0)
		}
	case TypeString:
		w.writeEscaped([]byte(v.(string)))
	case TypeByteArray:
		w.writeEscaped(v.([]byte))
	case TypeDateTime:
		ts := v.(time.Time)
		w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(ts.Unix())^(1<<63))
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(ts.Nanosecond()))
	case TypeGUID:
		id := v.(uuid.UUID)
		w.buf = append(w.buf, id[:]...)
	case TypeArray:
		for _, item := range v.([]any) {
			if err := w.WriteValue(item, true); err != nil {
				return err
			}
		}
		w.buf = append(w.buf, 0x00)
	case TypeObject:
		doc := v.(Document)
		for _, name := range doc.FieldNames() {
			w.writeEscaped([]byte(name))
			if err := w.WriteValue(doc[name], true); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		w.buf = append(w.buf, 0x00)
	default:
		return fmt.Errorf("%w: tag 0x%02x", ErrUnsupportedType, tag)
	}

	return nil
}

// writeIndexNumber writes every numeric kind under TypeDouble so that
// integers and floats share one order. The value is split into the largest
// float64 not above it and the integer remainder, which is below 2048 for
// any 64-bit integer. The trailing kind byte restores the Go type on read.
func (w *Writer) writeIndexNumber(kind byte, v any) {
	var f float64
	var rem uint64
	switch kind {
	case TypeInt64:
		f, rem = floorInt64(v.(int64))
	case TypeUInt64:
		f, rem = floorUint64(v.(uint64))
	default:
		f = v.(float64)
	}

	w.buf = append(w.buf, TypeDouble)
	w.buf = binary.BigEndian.AppendUint64(w.buf, orderedFloatBits(f))
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(rem))
	w.buf = append(w.buf, kind)
}

func floorInt64(v int64) (float64, uint64) {
	f := float64(v)
	if f == 0x1p63 || int64(f) > v {
		f = math.Nextafter(f, math.Inf(-1))
	}
	return f, uint64(v - int64(f))
}

func floorUint64(v uint64) (float64, uint64) {
	f := float64(v)
	if f == 0x1p64 || uint64(f) > v {
		f = math.Nextafter(f, math.Inf(-1))
	}
	return f, v - uint64(f)
}

func orderedFloatBits(f float64) uint64 {
	if f == 0 {
		f = 0 // -0 and +0 encode alike
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

// writeEscaped writes p with 0x00 escaped as 0x00 0xff, followed by the
// terminator 0x00 0x01.
func (w *Writer) writeEscaped(p []byte) {
	for _, b := range p {
		if b == 0x00 {
			w.buf = append(w.buf, 0x00, 0xff)
		} else {
			w.buf = append(w.buf, b)
		}
	}
	w.buf = append(w.buf, 0x00, 0x01)
}

// normalize maps Go values onto the serializer's type system.
func normalize(v any) (byte, any, error) {
	switch x := v.(type) {
	case nil:
		return TypeNull, nil, nil
	case bool:
		return TypeBoolean, x, nil
	case int:
		return TypeInt64, int64(x), nil
	case int8:
		return TypeInt64, int64(x), nil
	case int16:
		return TypeInt64, int64(x), nil
	case int32:
		return TypeInt64, int64(x), nil
	case int64:
		return TypeInt64, x, nil
	case uint:
		return TypeUInt64, uint64(x), nil
	case uint8:
		return TypeUInt64, uint64(x), nil
	case uint16:
		return TypeUInt64, uint64(x), nil
	case uint32:
		return TypeUInt64, uint64(x), nil
	case uint64:
		return TypeUInt64, x, nil
	case float32:
		return TypeDouble, float64(x), nil
	case float64:
		return TypeDouble, x, nil
	case string:
		return TypeString, x, nil
	case []byte:
		return TypeByteArray, x, nil
	case time.Time:
		return TypeDateTime, x, nil
	case uuid.UUID:
		return TypeGUID, x, nil
	case []any:
		return TypeArray, x, nil
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return TypeArray, items, nil
	case Document:
		return TypeObject, x, nil
	case map[string]any:
		return TypeObject, Document(x), nil
	default:
		return 0, nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// sortedNames returns map keys in ascending order.
func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
