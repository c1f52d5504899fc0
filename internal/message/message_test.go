package message

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testMessage() *Message {
	m := New()
	m.Timestamp = 5123456789
	m.Type = "TEST"
	m.Logger = "hekad"
	m.Severity = 6
	m.Payload = "Payload Test"
	m.EnvVersion = "0.8"
	m.Pid = 9283
	m.Hostname = "example.com"
	m.AddField(Field{Name: "foo", Strings: []string{"bar"}})
	m.AddField(Field{Name: "bytes", ValueType: TypeBytes, Bytes: [][]byte{[]byte("data")}})
	m.AddField(Field{Name: "int", ValueType: TypeInteger, Integers: []int64{999, 1024}, Representation: "count"})
	m.AddField(Field{Name: "double", ValueType: TypeDouble, Doubles: []float64{99.9}})
	m.AddField(Field{Name: "bool", ValueType: TypeBool, Bools: []bool{true}})
	m.AddField(Field{Name: "foo", Strings: []string{"alternate"}})
	m.AddField(Field{Name: "negative", ValueType: TypeInteger, Integers: []int64{-5}})
	return m
}

func TestEncodeDecode(t *testing.T) {
	src := testMessage()
	data, err := Encode(src)
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, src.Uuid, m.Uuid)
	assert.Equal(t, src.Timestamp, m.Timestamp)
	assert.Equal(t, "TEST", m.Type)
	assert.Equal(t, "hekad", m.Logger)
	assert.Equal(t, int32(6), m.Severity)
	assert.Equal(t, "Payload Test", m.Payload)
	assert.Equal(t, "0.8", m.EnvVersion)
	assert.Equal(t, int32(9283), m.Pid)
	assert.Equal(t, "example.com", m.Hostname)
	require.Len(t, m.Fields, 7)
	assert.Equal(t, []int64{999, 1024}, m.Fields[2].Integers)
	assert.Equal(t, "count", m.Fields[2].Representation)
	assert.Equal(t, []int64{-5}, m.Fields[6].Integers)
	assert.Equal(t, data, m.Raw())
	assert.NotEmpty(t, m.UUIDString())

	again, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDecodeDefaults(t *testing.T) {
	m := &Message{Uuid: NewUUID(), Timestamp: 1}
	data, err := Encode(m)
	require.NoError(t, err)

	// strip the explicit severity so the default applies
	var trimmed []byte
	rest := data
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		require.Positive(t, n)
		size := n + protowire.ConsumeFieldValue(num, typ, rest[n:])
		if num != fieldSeverity {
			trimmed = append(trimmed, rest[:size]...)
		}
		rest = rest[size:]
	}

	got, err := Decode(trimmed)
	require.NoError(t, err)
	assert.Equal(t, DefaultSeverity, got.Severity)
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode([]byte{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsOversized(t *testing.T) {
	_, err := Decode(make([]byte, MaxMessageSize+1))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	inputs := [][]byte{
		{0xff},
		{0x0a, 0x05, 'a'},
		[]byte("not a protobuf message at all"),
		{0x08, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01},
	}
	for _, in := range inputs {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrMalformed, "input %x", in)
	}
}

func TestDecodeRequiresHeaders(t *testing.T) {
	var noTimestamp []byte
	noTimestamp = protowire.AppendTag(noTimestamp, fieldUuid, protowire.BytesType)
	noTimestamp = protowire.AppendBytes(noTimestamp, NewUUID())
	_, err := Decode(noTimestamp)
	assert.ErrorIs(t, err, ErrMalformed)

	var shortUUID []byte
	shortUUID = protowire.AppendTag(shortUUID, fieldUuid, protowire.BytesType)
	shortUUID = protowire.AppendBytes(shortUUID, []byte{1, 2, 3})
	shortUUID = protowire.AppendTag(shortUUID, fieldTimestamp, protowire.VarintType)
	shortUUID = protowire.AppendVarint(shortUUID, 1)
	_, err = Decode(shortUUID)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadField(t *testing.T) {
	base := &Message{Uuid: NewUUID(), Timestamp: 1}
	data, err := Encode(base)
	require.NoError(t, err)

	var field []byte
	field = protowire.AppendTag(field, fieldValueType, protowire.VarintType)
	field = protowire.AppendVarint(field, 2)
	withNameless := protowire.AppendTag(append([]byte(nil), data...), fieldFields, protowire.BytesType)
	withNameless = protowire.AppendBytes(withNameless, field)
	_, err = Decode(withNameless)
	assert.ErrorIs(t, err, ErrMalformed)

	var badType []byte
	badType = protowire.AppendTag(badType, fieldName, protowire.BytesType)
	badType = protowire.AppendString(badType, "x")
	badType = protowire.AppendTag(badType, fieldValueType, protowire.VarintType)
	badType = protowire.AppendVarint(badType, 99)
	withBadType := protowire.AppendTag(append([]byte(nil), data...), fieldFields, protowire.BytesType)
	withBadType = protowire.AppendBytes(withBadType, badType)
	_, err = Decode(withBadType)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	data, err := Encode(&Message{Uuid: NewUUID(), Timestamp: 1})
	require.NoError(t, err)
	data = protowire.AppendTag(data, fieldPayload, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte{0xff, 0xfe})
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	data, err := Encode(&Message{Uuid: NewUUID(), Timestamp: 1, Type: "t"})
	require.NoError(t, err)
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 12)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "t", m.Type)
}

func TestDecodeUnpackedRepeated(t *testing.T) {
	data, err := Encode(&Message{Uuid: NewUUID(), Timestamp: 1})
	require.NoError(t, err)

	var field []byte
	field = protowire.AppendTag(field, fieldName, protowire.BytesType)
	field = protowire.AppendString(field, "n")
	field = protowire.AppendTag(field, fieldValueType, protowire.VarintType)
	field = protowire.AppendVarint(field, uint64(TypeDouble))
	field = protowire.AppendTag(field, fieldValueDouble, protowire.Fixed64Type)
	field = protowire.AppendFixed64(field, math.Float64bits(1.5))
	field = protowire.AppendTag(field, fieldValueDouble, protowire.Fixed64Type)
	field = protowire.AppendFixed64(field, math.Float64bits(2.5))
	data = protowire.AppendTag(data, fieldFields, protowire.BytesType)
	data = protowire.AppendBytes(data, field)

	m, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, m.Fields, 1)
	assert.Equal(t, []float64{1.5, 2.5}, m.Fields[0].Doubles)
}

// recordBoundaries returns the offsets at which a top level record ends.
func recordBoundaries(t *testing.T, data []byte) map[int]bool {
	t.Helper()
	ends := map[int]bool{}
	pos := 0
	for pos < len(data) {
		num, typ, n := protowire.ConsumeTag(data[pos:])
		require.Positive(t, n)
		m := protowire.ConsumeFieldValue(num, typ, data[pos+n:])
		require.Positive(t, m)
		pos += n + m
		ends[pos] = true
	}
	return ends
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(testMessage())
	require.NoError(t, err)
	ends := recordBoundaries(t, data)

	for cut := 0; cut < len(data); cut++ {
		_, err := Decode(data[:cut])
		if ends[cut] {
			// A cut between records is a shorter, well formed message
			// once the required headers are present.
			continue
		}
		assert.ErrorIs(t, err, ErrMalformed, "cut at %d", cut)
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	data, err := Encode(testMessage())
	require.NoError(t, err)
	m, err := Decode(data)
	require.NoError(t, err)

	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, "Payload Test", m.Payload)
	assert.Equal(t, []byte("data"), m.Fields[1].Bytes[0])
	assert.NotEqual(t, data, m.Raw())
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Encode(&Message{Uuid: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalid)

	m := New()
	m.AddField(Field{})
	_, err = Encode(m)
	assert.ErrorIs(t, err, ErrInvalid)

	m = New()
	m.AddField(Field{Name: "x", ValueType: ValueType(12)})
	_, err = Encode(m)
	assert.ErrorIs(t, err, ErrInvalid)

	m = New()
	m.Payload = string(make([]byte, MaxMessageSize))
	_, err = Encode(m)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRead(t *testing.T) {
	data, err := Encode(testMessage())
	require.NoError(t, err)
	m, err := Decode(data)
	require.NoError(t, err)

	tests := []struct {
		name   string
		fi, ai int
		want   any
		found  bool
	}{
		{"Type", 0, 0, "TEST", true},
		{"Logger", 0, 0, "hekad", true},
		{"Payload", 0, 0, "Payload Test", true},
		{"EnvVersion", 0, 0, "0.8", true},
		{"Hostname", 0, 0, "example.com", true},
		{"Timestamp", 0, 0, int64(5123456789), true},
		{"Severity", 0, 0, int64(6), true},
		{"Pid", 0, 0, int64(9283), true},
		{"size", 0, 0, int64(len(data)), true},
		{"Fields[foo]", 0, 0, "bar", true},
		{"Fields[foo]", 1, 0, "alternate", true},
		{"Fields[foo]", 2, 0, nil, false},
		{"Fields[int]", 0, 1, int64(1024), true},
		{"Fields[int]", 0, 2, nil, false},
		{"Fields[double]", 0, 0, 99.9, true},
		{"Fields[bool]", 0, 0, true, true},
		{"Fields[bytes]", 0, 0, []byte("data"), true},
		{"Fields[missing]", 0, 0, nil, false},
		{"Fields[]", 0, 0, nil, false},
		{"Fields[foo]", -1, 0, nil, false},
		{"Nope", 0, 0, nil, false},
	}
	for _, tt := range tests {
		got, ok := m.Read(tt.name, tt.fi, tt.ai)
		assert.Equal(t, tt.found, ok, "%s[%d][%d]", tt.name, tt.fi, tt.ai)
		assert.Equal(t, tt.want, got, "%s[%d][%d]", tt.name, tt.fi, tt.ai)
	}

	uuidValue, ok := m.Read("Uuid", 0, 0)
	require.True(t, ok)
	assert.Len(t, uuidValue, UUIDSize)

	raw, ok := m.Read("raw", 0, 0)
	require.True(t, ok)
	assert.Equal(t, data, raw)

	_, ok = New().Read("raw", 0, 0)
	assert.False(t, ok)
}

func TestFrames(t *testing.T) {
	a, err := Encode(testMessage())
	require.NoError(t, err)
	b, err := Encode(New())
	require.NoError(t, err)

	stream := AppendFrame(nil, a)
	stream = AppendFrame(stream, b)

	frames, err := SplitFrames(stream)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])

	_, err = SplitFrames(stream[:len(stream)-1])
	assert.ErrorIs(t, err, ErrMalformed)

	frame, rest, err := NextFrame(nil)
	assert.NoError(t, err)
	assert.Nil(t, frame)
	assert.Nil(t, rest)

	huge := protowire.AppendVarint(nil, MaxMessageSize+1)
	_, _, err = NextFrame(huge)
	assert.ErrorIs(t, err, ErrMalformed)
}
