package message

import "strings"

// Read resolves a plugin field reference against the message.
//
// Header names are Uuid, Type, Logger, Payload, EnvVersion, Hostname,
// Timestamp, Severity and Pid. "raw" yields the encoded message and "size"
// its length. Dynamic fields are addressed as "Fields[name]", where fi
// selects among repeated fields of the same name and ai selects the value
// within the field. The returned value is a string, []byte, int64, float64
// or bool; ok is false when nothing is found.
func (m *Message) Read(name string, fi, ai int) (any, bool) {
	if fi < 0 || ai < 0 {
		return nil, false
	}
	if fieldName, ok := dynamicFieldName(name); ok {
		f := m.FindField(fieldName, fi)
		if f == nil {
			return nil, false
		}
		return f.Value(ai)
	}

	switch name {
	case "Uuid":
		return string(m.Uuid), true
	case "Type":
		return m.Type, true
	case "Logger":
		return m.Logger, true
	case "Payload":
		return m.Payload, true
	case "EnvVersion":
		return m.EnvVersion, true
	case "Hostname":
		return m.Hostname, true
	case "Timestamp":
		return m.Timestamp, true
	case "Severity":
		return int64(m.Severity), true
	case "Pid":
		return int64(m.Pid), true
	case "raw":
		if m.raw == nil {
			return nil, false
		}
		return m.raw, true
	case "size":
		if m.raw == nil {
			return nil, false
		}
		return int64(len(m.raw)), true
	default:
		return nil, false
	}
}

func dynamicFieldName(name string) (string, bool) {
	const prefix = "Fields["
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "]") {
		return "", false
	}
	inner := name[len(prefix) : len(name)-1]
	if inner == "" {
		return "", false
	}
	return inner, true
}
