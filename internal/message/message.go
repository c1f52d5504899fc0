// Package message is the structured message model exchanged with plugins.
//
// Messages use the Heka protobuf layout. The package decodes raw bytes into
// a transient Message view, encodes Messages produced by plugins, gives
// plugins field-level read access, and frames message streams.
//
// Decode is pure: it never touches sandbox state and its allocations are
// bounded by the length of its input.
package message

import (
	"errors"

	"github.com/google/uuid"
)

// Wire layout limits.
const (
	// MaxMessageSize bounds a single encoded message.
	MaxMessageSize = 64 * 1024

	// UUIDSize is the required length of Message.Uuid.
	UUIDSize = 16

	// DefaultSeverity is the severity of a message that does not set one.
	DefaultSeverity int32 = 7
)

var (
	// ErrMalformed is returned for truncated or structurally invalid input.
	ErrMalformed = errors.New("malformed message")

	// ErrInvalid is returned when a Message cannot be encoded.
	ErrInvalid = errors.New("invalid message")
)

// ValueType is the type tag of a Field's values.
type ValueType int32

// Field value types.
const (
	TypeString ValueType = iota
	TypeBytes
	TypeInteger
	TypeDouble
	TypeBool
)

// String returns the value type name.
func (v ValueType) String() string {
	switch v {
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeInteger:
		return "integer"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

func (v ValueType) valid() bool {
	return v >= TypeString && v <= TypeBool
}

// Field is a named, typed, possibly repeated message value. Only the slice
// matching ValueType is meaningful.
type Field struct {
	Name           string
	ValueType      ValueType
	Representation string

	Strings  []string
	Bytes    [][]byte
	Integers []int64
	Doubles  []float64
	Bools    []bool
}

// Len returns the number of values held by the field.
func (f *Field) Len() int {
	switch f.ValueType {
	case TypeString:
		return len(f.Strings)
	case TypeBytes:
		return len(f.Bytes)
	case TypeInteger:
		return len(f.Integers)
	case TypeDouble:
		return len(f.Doubles)
	case TypeBool:
		return len(f.Bools)
	default:
		return 0
	}
}

// Value returns the i-th value: string, []byte, int64, float64 or bool.
func (f *Field) Value(i int) (any, bool) {
	if i < 0 || i >= f.Len() {
		return nil, false
	}
	switch f.ValueType {
	case TypeString:
		return f.Strings[i], true
	case TypeBytes:
		return f.Bytes[i], true
	case TypeInteger:
		return f.Integers[i], true
	case TypeDouble:
		return f.Doubles[i], true
	case TypeBool:
		return f.Bools[i], true
	default:
		return nil, false
	}
}

// Message is a decoded view of one structured message.
type Message struct {
	Uuid       []byte
	Timestamp  int64
	Type       string
	Logger     string
	Severity   int32
	Payload    string
	EnvVersion string
	Pid        int32
	Hostname   string
	Fields     []Field

	raw []byte
}

// New returns an empty message with a fresh Uuid and default severity.
func New() *Message {
	return &Message{Uuid: NewUUID(), Severity: DefaultSeverity}
}

// NewUUID returns a random version 4 UUID in its 16 byte form.
func NewUUID() []byte {
	id := uuid.New()
	return id[:]
}

// UUIDString renders the message Uuid in canonical text form.
func (m *Message) UUIDString() string {
	id, err := uuid.FromBytes(m.Uuid)
	if err != nil {
		return ""
	}
	return id.String()
}

// Raw returns the bytes the message was decoded from, or nil for messages
// built in memory.
func (m *Message) Raw() []byte {
	return m.raw
}

// FindField returns the fi-th field called name.
func (m *Message) FindField(name string, fi int) *Field {
	if fi < 0 {
		return nil
	}
	for i := range m.Fields {
		if m.Fields[i].Name != name {
			continue
		}
		if fi == 0 {
			return &m.Fields[i]
		}
		fi--
	}
	return nil
}

// AddField appends a field.
func (m *Message) AddField(f Field) {
	m.Fields = append(m.Fields, f)
}
