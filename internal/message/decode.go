package message

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message field numbers.
const (
	fieldUuid       protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldType       protowire.Number = 3
	fieldLogger     protowire.Number = 4
	fieldSeverity   protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldEnvVersion protowire.Number = 7
	fieldPid        protowire.Number = 8
	fieldHostname   protowire.Number = 9
	fieldFields     protowire.Number = 10
)

// Field field numbers.
const (
	fieldName           protowire.Number = 1
	fieldValueType      protowire.Number = 2
	fieldRepresentation protowire.Number = 3
	fieldValueString    protowire.Number = 4
	fieldValueBytes     protowire.Number = 5
	fieldValueInteger   protowire.Number = 6
	fieldValueDouble    protowire.Number = 7
	fieldValueBool      protowire.Number = 8
)

// Decode parses one encoded message.
//
// Empty, oversized, truncated or structurally invalid input fails with an
// error wrapping ErrMalformed. The returned message does not alias data.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrMalformed, len(data), MaxMessageSize)
	}

	m := &Message{Severity: DefaultSeverity}
	d := decoder{buf: data}
	var haveUUID, haveTimestamp bool

	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return nil, err
		}
		switch num {
		case fieldUuid:
			b, err := d.bytes(typ)
			if err != nil {
				return nil, err
			}
			if len(b) != UUIDSize {
				return nil, d.fail("uuid must be %d bytes, got %d", UUIDSize, len(b))
			}
			m.Uuid = bytes.Clone(b)
			haveUUID = true
		case fieldTimestamp:
			v, err := d.varint(typ)
			if err != nil {
				return nil, err
			}
			m.Timestamp = int64(v)
			haveTimestamp = true
		case fieldType:
			if m.Type, err = d.string(typ); err != nil {
				return nil, err
			}
		case fieldLogger:
			if m.Logger, err = d.string(typ); err != nil {
				return nil, err
			}
		case fieldSeverity:
			v, err := d.varint(typ)
			if err != nil {
				return nil, err
			}
			m.Severity = int32(v)
		case fieldPayload:
			if m.Payload, err = d.string(typ); err != nil {
				return nil, err
			}
		case fieldEnvVersion:
			if m.EnvVersion, err = d.string(typ); err != nil {
				return nil, err
			}
		case fieldPid:
			v, err := d.varint(typ)
			if err != nil {
				return nil, err
			}
			m.Pid = int32(v)
		case fieldHostname:
			if m.Hostname, err = d.string(typ); err != nil {
				return nil, err
			}
		case fieldFields:
			b, err := d.bytes(typ)
			if err != nil {
				return nil, err
			}
			f, err := decodeField(b, d.pos-len(b))
			if err != nil {
				return nil, err
			}
			m.Fields = append(m.Fields, f)
		default:
			if err := d.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}

	if !haveUUID {
		return nil, fmt.Errorf("%w: missing uuid", ErrMalformed)
	}
	if !haveTimestamp {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	m.raw = bytes.Clone(data)
	return m, nil
}

func decodeField(data []byte, base int) (Field, error) {
	var f Field
	d := decoder{buf: data, base: base}
	haveName := false

	for !d.done() {
		num, typ, err := d.tag()
		if err != nil {
			return f, err
		}
		switch num {
		case fieldName:
			if f.Name, err = d.string(typ); err != nil {
				return f, err
			}
			haveName = true
		case fieldValueType:
			v, err := d.varint(typ)
			if err != nil {
				return f, err
			}
			f.ValueType = ValueType(v)
			if v > math.MaxInt32 || !f.ValueType.valid() {
				return f, d.fail("unknown value type %d", v)
			}
		case fieldRepresentation:
			if f.Representation, err = d.string(typ); err != nil {
				return f, err
			}
		case fieldValueString:
			s, err := d.string(typ)
			if err != nil {
				return f, err
			}
			f.Strings = append(f.Strings, s)
		case fieldValueBytes:
			b, err := d.bytes(typ)
			if err != nil {
				return f, err
			}
			f.Bytes = append(f.Bytes, bytes.Clone(b))
		case fieldValueInteger:
			err := d.repeatedVarint(typ, func(v uint64) {
				f.Integers = append(f.Integers, int64(v))
			})
			if err != nil {
				return f, err
			}
		case fieldValueDouble:
			if err := d.repeatedFixed64(typ, func(v uint64) {
				f.Doubles = append(f.Doubles, math.Float64frombits(v))
			}); err != nil {
				return f, err
			}
		case fieldValueBool:
			if err := d.repeatedVarint(typ, func(v uint64) {
				f.Bools = append(f.Bools, v != 0)
			}); err != nil {
				return f, err
			}
		default:
			if err := d.skip(num, typ); err != nil {
				return f, err
			}
		}
	}
	if !haveName || f.Name == "" {
		return f, fmt.Errorf("%w: field without a name at offset %d", ErrMalformed, base)
	}
	return f, nil
}

// decoder walks protobuf records. base is the offset of buf within the
// outermost input, used only for error messages.
type decoder struct {
	buf  []byte
	pos  int
	base int
}

func (d *decoder) done() bool {
	return d.pos >= len(d.buf)
}

func (d *decoder) rest() []byte {
	return d.buf[d.pos:]
}

func (d *decoder) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), d.base+d.pos)
}

func (d *decoder) parseFail(n int) error {
	return d.fail("%v", protowire.ParseError(n))
}

func (d *decoder) tag() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.rest())
	if n < 0 {
		return 0, 0, d.parseFail(n)
	}
	d.pos += n
	return num, typ, nil
}

func (d *decoder) expect(got, want protowire.Type) error {
	if got != want {
		return d.fail("unexpected wire type %d", got)
	}
	return nil
}

func (d *decoder) varint(typ protowire.Type) (uint64, error) {
	if err := d.expect(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(d.rest())
	if n < 0 {
		return 0, d.parseFail(n)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) bytes(typ protowire.Type) ([]byte, error) {
	if err := d.expect(typ, protowire.BytesType); err != nil {
		return nil, err
	}
	b, n := protowire.ConsumeBytes(d.rest())
	if n < 0 {
		return nil, d.parseFail(n)
	}
	d.pos += n
	return b, nil
}

func (d *decoder) string(typ protowire.Type) (string, error) {
	b, err := d.bytes(typ)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", d.fail("invalid utf-8 in string")
	}
	return string(b), nil
}

// repeatedVarint accepts both the packed and the unpacked encoding.
func (d *decoder) repeatedVarint(typ protowire.Type, add func(uint64)) error {
	if typ == protowire.VarintType {
		v, err := d.varint(typ)
		if err != nil {
			return err
		}
		add(v)
		return nil
	}
	packed, err := d.bytes(typ)
	if err != nil {
		return err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return d.parseFail(n)
		}
		add(v)
		packed = packed[n:]
	}
	return nil
}

func (d *decoder) repeatedFixed64(typ protowire.Type, add func(uint64)) error {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(d.rest())
		if n < 0 {
			return d.parseFail(n)
		}
		d.pos += n
		add(v)
		return nil
	}
	packed, err := d.bytes(typ)
	if err != nil {
		return err
	}
	if len(packed)%8 != 0 {
		return d.fail("packed double length %d is not a multiple of 8", len(packed))
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed64(packed)
		if n < 0 {
			return d.parseFail(n)
		}
		add(v)
		packed = packed[n:]
	}
	return nil
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) error {
	if typ == protowire.StartGroupType || typ == protowire.EndGroupType {
		return d.fail("groups are not supported")
	}
	n := protowire.ConsumeFieldValue(num, typ, d.rest())
	if n < 0 {
		return d.parseFail(n)
	}
	d.pos += n
	return nil
}
