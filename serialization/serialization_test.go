package serialization

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexBytes(t *testing.T, v any) []byte {
	t.Helper()
	w := NewWriter()
	require.NoError(t, w.WriteValue(v, true))
	return append([]byte(nil), w.Bytes()...)
}

func assertOrdered(t *testing.T, values ...any) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		a := indexBytes(t, values[i-1])
		b := indexBytes(t, values[i])
		assert.Equal(t, -1, bytes.Compare(a, b), "%v should sort before %v", values[i-1], values[i])
	}
}

func TestIndexEncodingOrdersIntegers(t *testing.T) {
	assertOrdered(t, int64(math.MinInt64), -1000, -1, 0, 1, 20, 25, 30, uint64(math.MaxInt64), uint64(math.MaxUint64))
}

func TestIndexEncodingOrdersDoubles(t *testing.T) {
	assertOrdered(t, math.Inf(-1), -2.5, -0.5, 0.0, 0.25, 3.75, math.Inf(1))
}

func TestIndexEncodingOrdersStrings(t *testing.T) {
	assertOrdered(t, "", "a", "a\x00", "a\x00b", "ab", "b", "ba")
}

func TestIndexEncodingOrdersTimes(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assertOrdered(t, base.Add(-time.Hour), base, base.Add(time.Nanosecond))
}

func TestIndexEncodingNullSortsFirst(t *testing.T) {
	assertOrdered(t, nil, false, true, int64(math.MinInt64), "")
}

func TestIndexEncodingIsPrefixFree(t *testing.T) {
	// ("a", 1) sorts before ("ab", 0): the first field decides.
	w1 := NewWriter()
	require.NoError(t, w1.WriteValue("a", true))
	require.NoError(t, w1.WriteValue(1, true))

	w2 := NewWriter()
	require.NoError(t, w2.WriteValue("ab", true))
	require.NoError(t, w2.WriteValue(0, true))

	assert.Equal(t, -1, bytes.Compare(w1.Bytes(), w2.Bytes()))
}

func TestIndexValueRoundTrip(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	values := []any{nil, true, int64(-42), uint64(math.MaxUint64), 3.5, "hé\x00llo", []byte{0, 1, 2}, now, id}

	w := NewWriter()
	for _, v := range values {
		require.NoError(t, w.WriteValue(v, true))
	}

	r := NewReader(w.Bytes())
	for _, want := range values {
		got, err := r.ReadIndexValue()
		require.NoError(t, err)
		if wt, ok := want.(time.Time); ok {
			assert.True(t, wt.Equal(got.(time.Time)))
			continue
		}
		assert.Equal(t, want, got)
	}
	assert.True(t, r.EOF())
}

func TestDocumentRoundTrip(t *testing.T) {
	s := NewDocumentSerializer()
	doc := Document{
		"Name":  "Alice",
		"Age":   30,
		"Score": 12.5,
		"Tags":  []any{"a", int64(2)},
		"Address": Document{
			"City": "Oslo",
		},
		"Blob": []byte("xyz"),
	}

	data, err := Marshal(s, doc)
	require.NoError(t, err)

	v, err := Unmarshal(s, data)
	require.NoError(t, err)

	got := v.(Document)
	assert.Equal(t, "Alice", got["Name"])
	assert.Equal(t, int64(30), got["Age"])
	assert.Equal(t, 12.5, got["Score"])
	assert.Equal(t, []any{"a", int64(2)}, got["Tags"])
	assert.Equal(t, Document{"City": "Oslo"}, got["Address"])
	assert.Equal(t, []byte("xyz"), got["Blob"])
}

func TestFieldValue(t *testing.T) {
	s := NewDocumentSerializer()
	doc := Document{"Age": 25, "Address": map[string]any{"City": "Oslo"}}

	v, err := s.FieldValue(doc, "Age")
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	v, err = s.FieldValue(doc, "Address.City")
	require.NoError(t, err)
	assert.Equal(t, "Oslo", v)

	_, err = s.FieldValue(doc, "Missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	_, err = s.FieldValue("not a document", "Age")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestUnsupportedValue(t *testing.T) {
	w := NewWriter()
	err := w.WriteValue(struct{}{}, false)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDocumentDecoder(t *testing.T) {
	data, err := Marshal(NewDocumentSerializer(), Document{"Age": 20})
	require.NoError(t, err)

	doc, err := DocumentDecoder{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(20), doc["Age"])

	names := Document{"b": 1, "a": 2, "c": 3}.FieldNames()
	assert.True(t, sort.StringsAreSorted(names))
}

func TestIndexEncodingOrdersMixedNumbers(t *testing.T) {
	assertOrdered(t,
		math.Inf(-1), int64(math.MinInt64), -1e18, int64(-3), -2.5, int64(0), 0.5,
		uint64(1), 1.5, int64(20), 20.5, 25, 30.0, int64(31),
		int64(1<<53)+1, float64(1<<53)+2, int64(math.MaxInt64), 0x1p63, uint64(math.MaxUint64), math.Inf(1))
}

func TestIndexNumbersKeepTheirKind(t *testing.T) {
	values := []any{int64(math.MaxInt64), int64(math.MinInt64), int64(1<<53) + 1, uint64(7), uint64(math.MaxUint64) - 1, 30.0, -0.75}

	w := NewWriter()
	for _, v := range values {
		require.NoError(t, w.WriteValue(v, true))
	}

	r := NewReader(w.Bytes())
	for _, want := range values {
		got, err := r.ReadIndexValue()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTimesOutsideNanosecondRange(t *testing.T) {
	early := time.Date(1200, 3, 4, 5, 6, 7, 8, time.UTC)
	late := time.Date(3000, 1, 1, 0, 0, 0, 1, time.UTC)
	assertOrdered(t, early, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), late)

	s := NewDocumentSerializer()
	data, err := Marshal(s, Document{"Early": early, "Late": late})
	require.NoError(t, err)
	v, err := Unmarshal(s, data)
	require.NoError(t, err)
	assert.True(t, early.Equal(v.(Document)["Early"].(time.Time)))
	assert.True(t, late.Equal(v.(Document)["Late"].(time.Time)))

	r := NewReader(indexBytes(t, early))
	got, err := r.ReadIndexValue()
	require.NoError(t, err)
	assert.True(t, early.Equal(got.(time.Time)))
}

func TestCorruptRecordsFail(t *testing.T) {
	s := NewDocumentSerializer()
	huge := binary.AppendUvarint(nil, 1<<62)

	arr := append([]byte{TypeObject, 1, 1, 'a', TypeArray}, huge...)
	_, err := Unmarshal(s, arr)
	assert.ErrorIs(t, err, ErrCorrupt)

	doc := append([]byte{TypeObject}, huge...)
	_, err = Unmarshal(s, doc)
	assert.ErrorIs(t, err, ErrCorrupt)

	str := append([]byte{TypeObject, 1}, binary.AppendUvarint(nil, math.MaxInt64)...)
	_, err = Unmarshal(s, str)
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = Unmarshal(s, []byte{TypeObject, 1, 1, 'a', TypeDateTime, 0, 0xff, 0xff, 0xff, 0xff, 0x0f})
	assert.ErrorIs(t, err, ErrCorrupt)
}
