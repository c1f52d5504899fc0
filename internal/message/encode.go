package message

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serialises m. Fields are written in field number order, so equal
// messages produce equal bytes.
func Encode(m *Message) ([]byte, error) {
	b, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: encoded size %d exceeds the %d byte limit", ErrInvalid, len(b), MaxMessageSize)
	}
	return b, nil
}

// Marshal is Encode without the MaxMessageSize check.
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalid)
	}
	if len(m.Uuid) != UUIDSize {
		return nil, fmt.Errorf("%w: uuid must be %d bytes, got %d", ErrInvalid, UUIDSize, len(m.Uuid))
	}

	b := make([]byte, 0, 64+len(m.Payload))
	b = protowire.AppendTag(b, fieldUuid, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Uuid)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp))
	b = appendString(b, fieldType, m.Type)
	b = appendString(b, fieldLogger, m.Logger)
	b = protowire.AppendTag(b, fieldSeverity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.Severity)))
	b = appendString(b, fieldPayload, m.Payload)
	b = appendString(b, fieldEnvVersion, m.EnvVersion)
	if m.Pid != 0 {
		b = protowire.AppendTag(b, fieldPid, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Pid)))
	}
	b = appendString(b, fieldHostname, m.Hostname)

	for i := range m.Fields {
		fb, err := encodeField(&m.Fields[i])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldFields, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b, nil
}

func encodeField(f *Field) ([]byte, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: field without a name", ErrInvalid)
	}
	if !f.ValueType.valid() {
		return nil, fmt.Errorf("%w: field %q has unknown value type %d", ErrInvalid, f.Name, f.ValueType)
	}

	b := appendString(nil, fieldName, f.Name)
	if f.ValueType != TypeString {
		b = protowire.AppendTag(b, fieldValueType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.ValueType))
	}
	b = appendString(b, fieldRepresentation, f.Representation)

	switch f.ValueType {
	case TypeString:
		for _, s := range f.Strings {
			b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
			b = protowire.AppendString(b, s)
		}
	case TypeBytes:
		for _, v := range f.Bytes {
			b = protowire.AppendTag(b, fieldValueBytes, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	case TypeInteger:
		if len(f.Integers) > 0 {
			var packed []byte
			for _, v := range f.Integers {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			b = protowire.AppendTag(b, fieldValueInteger, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}
	case TypeDouble:
		if len(f.Doubles) > 0 {
			packed := make([]byte, 0, 8*len(f.Doubles))
			for _, v := range f.Doubles {
				packed = protowire.AppendFixed64(packed, math.Float64bits(v))
			}
			b = protowire.AppendTag(b, fieldValueDouble, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}
	case TypeBool:
		if len(f.Bools) > 0 {
			packed := make([]byte, 0, len(f.Bools))
			for _, v := range f.Bools {
				packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
			}
			b = protowire.AppendTag(b, fieldValueBool, protowire.BytesType)
			b = protowire.AppendBytes(b, packed)
		}
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
