package serialization

import (
	"fmt"
	"strings"
)

// Document is the object model stored in collections: a set of named
// fields holding scalar values, arrays or nested documents.
type Document map[string]any

// FieldNames returns the document's field names in ascending order.
func (d Document) FieldNames() []string {
	return sortedNames(d)
}

// Get resolves a field by name. Dotted names walk into nested documents.
func (d Document) Get(path string) (any, bool) {
	var cur any = d
	for _, part := range strings.Split(path, ".") {
		var m map[string]any
		switch x := cur.(type) {
		case Document:
			m = x
		case map[string]any:
			m = x
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// DocumentSerializer serializes Document values.
type DocumentSerializer struct{}

func NewDocumentSerializer() *DocumentSerializer {
	return &DocumentSerializer{}
}

func (s *DocumentSerializer) Serialize(w *Writer, embedded bool, forIndex bool, obj any) error {
	doc, err := asDocument(obj)
	if err != nil {
		return err
	}
	return w.WriteValue(doc, forIndex)
}

func (s *DocumentSerializer) Deserialize(r *Reader, typeTag byte, embedded bool) (any, error) {
	if typeTag == 0 {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		typeTag = tag
	}

	switch typeTag {
	case TypeObject:
		return r.readDocumentBody()
	case TypeNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedType, TypeName(TypeObject), TypeName(typeTag))
	}
}

func (s *DocumentSerializer) FieldValue(obj any, field string) (any, error) {
	doc, err := asDocument(obj)
	if err != nil {
		return nil, err
	}
	v, ok := doc.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, field)
	}
	return v, nil
}

// Marshal serializes obj with s in storage encoding.
func Marshal(s ObjectSerializer, obj any) ([]byte, error) {
	w := NewWriter()
	if err := s.Serialize(w, false, false, obj); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Unmarshal reads an object serialized by Marshal.
func Unmarshal(s ObjectSerializer, data []byte) (any, error) {
	return s.Deserialize(NewReader(data), 0, false)
}

// DocumentDecoder decodes stored records into documents.
type DocumentDecoder struct{}

func (DocumentDecoder) Decode(raw []byte) (Document, error) {
	v, err := Unmarshal(&DocumentSerializer{}, raw)
	if err != nil {
		return nil, err
	}
	doc, _ := v.(Document)
	return doc, nil
}

func asDocument(obj any) (Document, error) {
	switch x := obj.(type) {
	case Document:
		return x, nil
	case map[string]any:
		return Document(x), nil
	case *Document:
		if x == nil {
			return nil, fmt.Errorf("%w: nil document", ErrUnsupportedType)
		}
		return *x, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a document", ErrUnsupportedType, obj)
	}
}
