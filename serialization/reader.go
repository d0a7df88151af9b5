package serialization

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Reader walks a binary serialization produced by Writer.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Position() int {
	return r.pos
}

func (r *Reader) EOF() bool {
	return r.pos >= len(r.data)
}

func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// PeekTag returns the next byte without consuming it.
func (r *Reader) PeekTag() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	return r.data[r.pos], nil
}

func (r *Reader) readN(n int) ([]byte, error) {
	if n < 0 || n > len(r.data)-r.pos {
		return nil, ErrUnexpectedEOF
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

func (r *Reader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		return 0, ErrUnexpectedEOF
	}
	r.pos += n
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	p, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadGUID reads a tagged identity written by Writer.WriteGUID.
func (r *Reader) ReadGUID() (uuid.UUID, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return uuid.Nil, err
	}
	if tag != TypeGUID {
		return uuid.Nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedType, TypeName(TypeGUID), TypeName(tag))
	}
	p, err := r.readN(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(p)
}

// ReadValue reads one tagged value in storage encoding.
func (r *Reader) ReadValue() (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return r.readStorageValue(tag)
}

func (r *Reader) readStorageValue(tag byte) (any, error) {
	switch tag {
	case TypeNull:
		return nil, nil
	case TypeBoolean:
		b, err := r.ReadByte()
		return b != 0, err
	case TypeInt64:
		return r.ReadVarint()
	case TypeUInt64:
		return r.ReadUvarint()
	case TypeDouble:
		p, err := r.readN(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(p)), nil
	case TypeString:
		return r.ReadString()
	case TypeByteArray:
		n, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		p, err := r.readN(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), p...), nil
	case TypeDateTime:
		sec, err := r.ReadVarint()
		if err != nil {
			return nil, err
		}
		ns, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		if ns >= 1e9 {
			return nil, fmt.Errorf("%w: nanoseconds out of range", ErrCorrupt)
		}
		return time.Unix(sec, int64(ns)).UTC(), nil
	case TypeGUID:
		p, err := r.readN(16)
		if err != nil {
			return nil, err
		}
		return uuid.FromBytes(p)
	case TypeArray:
		n, err := r.ReadUvarint()
		if err != nil {
			return nil, err
		}
		if err := r.checkCount(n, 1); err != nil {
			return nil, err
		}
		items := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			item, err := r.ReadValue()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case TypeObject:
		return r.readDocumentBody()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, TypeName(tag))
	}
}

func (r *Reader) readDocumentBody() (Document, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(n, 2); err != nil {
		return nil, err
	}
	doc := make(Document, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadValue()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		doc[name] = v
	}
	return doc, nil
}

// ReadIndexValue reads one tagged value in index encoding.
func (r *Reader) ReadIndexValue() (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeNull:
		return nil, nil
	case TypeBoolean:
		b, err := r.ReadByte()
		return b != 0, err
	case TypeDouble:
		return r.readIndexNumber()
	case TypeDateTime:
		p, err := r.readN(12)
		if err != nil {
			return nil, err
		}
		sec := int64(binary.BigEndian.Uint64(p) ^ (1 << 63))
		ns := binary.BigEndian.Uint32(p[8:])
		if ns >= 1e9 {
			return nil, fmt.Errorf("%w: nanoseconds out of range", ErrCorrupt)
		}
		return time.Unix(sec, int64(ns)).UTC(), nil
	case TypeString:
		p, err := r.readEscaped()
		return string(p), err
	case TypeByteArray:
		return r.readEscaped()
	case TypeGUID:
		p, err := r.readN(16)
		if err != nil {
			return nil, err
		}
		return uuid.FromBytes(p)
	case TypeArray:
		var items []any
		for {
			next, err := r.PeekTag()
			if err != nil {
				return nil, err
			}
			if next == 0x00 {
				r.pos++
				return items, nil
			}
			item, err := r.ReadIndexValue()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	case TypeObject:
		doc := Document{}
		for {
			next, err := r.PeekTag()
			if err != nil {
				return nil, err
			}
			if next == 0x00 {
				r.pos++
				return doc, nil
			}
			name, err := r.readEscaped()
			if err != nil {
				return nil, err
			}
			v, err := r.ReadIndexValue()
			if err != nil {
				return nil, err
			}
			doc[string(name)] = v
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedType, TypeName(tag))
	}
}

// readIndexNumber reads the value written by Writer.writeIndexNumber.
func (r *Reader) readIndexNumber() (any, error) {
	p, err := r.readN(11)
	if err != nil {
		return nil, err
	}
	u := binary.BigEndian.Uint64(p)
	if u&(1<<63) != 0 {
		u &^= 1 << 63
	} else {
		u = ^u
	}
	f := math.Float64frombits(u)
	rem := uint64(binary.BigEndian.Uint16(p[8:]))

	switch p[10] {
	case TypeInt64:
		if f < -0x1p63 || f >= 0x1p63 {
			return nil, fmt.Errorf("%w: integer out of range", ErrCorrupt)
		}
		return int64(f) + int64(rem), nil
	case TypeUInt64:
		if f < 0 || f >= 0x1p64 {
			return nil, fmt.Errorf("%w: integer out of range", ErrCorrupt)
		}
		return uint64(f) + rem, nil
	case TypeDouble:
		return f, nil
	default:
		return nil, fmt.Errorf("%w: numeric kind %s", ErrUnexpectedType, TypeName(p[10]))
	}
}

// checkCount rejects an element count that cannot fit in the remaining
// input, given the smallest encoding of one element.
func (r *Reader) checkCount(n uint64, minSize int) error {
	if n > uint64((len(r.data)-r.pos)/minSize) {
		return fmt.Errorf("%w: count %d exceeds remaining input", ErrCorrupt, n)
	}
	return nil
}

func (r *Reader) readEscaped() ([]byte, error) {
	var out []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0x00 {
			out = append(out, b)
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch next {
		case 0x01:
			return out, nil
		case 0xff:
			out = append(out, 0x00)
		default:
			return nil, fmt.Errorf("%w: bad escape 0x%02x", ErrUnexpectedType, next)
		}
	}
}
