package lua

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luasbx/internal/message"
)

// ErrBadMessageTable is returned when a Lua table cannot be turned into a
// message.
var ErrBadMessageTable = errors.New("invalid message table")

// Bridge provides utilities for Go-Lua interoperability.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a new Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToLuaValue converts a Go value to a Lua value. Maps and slices become
// tables; unsupported values become nil.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}

	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := b.L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, b.ToLuaValue(item))
		}
		return t
	case map[string]any:
		t := b.L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, b.ToLuaValue(item))
		}
		return t
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

// MessageToTable renders m as a Lua table. Fields are returned in array
// form: {name=, value_type=, representation=, value={...}}.
func (b *Bridge) MessageToTable(m *message.Message) *lua.LTable {
	t := b.L.CreateTable(0, 10)
	t.RawSetString("Uuid", lua.LString(m.Uuid))
	t.RawSetString("Timestamp", lua.LNumber(m.Timestamp))
	t.RawSetString("Type", lua.LString(m.Type))
	t.RawSetString("Logger", lua.LString(m.Logger))
	t.RawSetString("Severity", lua.LNumber(m.Severity))
	t.RawSetString("Payload", lua.LString(m.Payload))
	t.RawSetString("EnvVersion", lua.LString(m.EnvVersion))
	t.RawSetString("Pid", lua.LNumber(m.Pid))
	t.RawSetString("Hostname", lua.LString(m.Hostname))

	if len(m.Fields) > 0 {
		fields := b.L.CreateTable(len(m.Fields), 0)
		for i := range m.Fields {
			f := &m.Fields[i]
			ft := b.L.CreateTable(0, 4)
			ft.RawSetString("name", lua.LString(f.Name))
			ft.RawSetString("value_type", lua.LNumber(f.ValueType))
			if f.Representation != "" {
				ft.RawSetString("representation", lua.LString(f.Representation))
			}
			values := b.L.CreateTable(f.Len(), 0)
			for j := 0; j < f.Len(); j++ {
				v, _ := f.Value(j)
				values.RawSetInt(j+1, b.ToLuaValue(v))
			}
			ft.RawSetString("value", values)
			fields.RawSetInt(i+1, ft)
		}
		t.RawSetString("Fields", fields)
	}
	return t
}

// TableToMessage builds a message from a Lua table using the header names
// of message.Message. A missing Uuid is generated; a missing Severity takes
// the default. Fields may be given as a map of name to value, where a value
// is a scalar, an array of scalars or {value=, value_type=,
// representation=}, or as an array of {name=, value=, ...} tables.
func (b *Bridge) TableToMessage(t *lua.LTable) (*message.Message, error) {
	m := &message.Message{Severity: message.DefaultSeverity}

	if v := t.RawGetString("Uuid"); v != lua.LNil {
		id, err := tableUUID(v)
		if err != nil {
			return nil, err
		}
		m.Uuid = id
	} else {
		m.Uuid = message.NewUUID()
	}

	var err error
	if m.Timestamp, err = tableInt(t, "Timestamp"); err != nil {
		return nil, err
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"Type", &m.Type},
		{"Logger", &m.Logger},
		{"Payload", &m.Payload},
		{"EnvVersion", &m.EnvVersion},
		{"Hostname", &m.Hostname},
	}
	for _, s := range strs {
		if *s.dst, err = tableString(t, s.key); err != nil {
			return nil, err
		}
	}
	if v := t.RawGetString("Severity"); v != lua.LNil {
		n, err := tableInt(t, "Severity")
		if err != nil {
			return nil, err
		}
		m.Severity = int32(n)
	}
	pid, err := tableInt(t, "Pid")
	if err != nil {
		return nil, err
	}
	m.Pid = int32(pid)

	switch fv := t.RawGetString("Fields").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		if m.Fields, err = tableFields(fv); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: Fields must be a table, got %s", ErrBadMessageTable, fv.Type())
	}
	return m, nil
}

func tableUUID(v lua.LValue) ([]byte, error) {
	s, ok := v.(lua.LString)
	if !ok {
		return nil, fmt.Errorf("%w: Uuid must be a string", ErrBadMessageTable)
	}
	if len(s) == message.UUIDSize {
		return []byte(s), nil
	}
	id, err := uuid.Parse(string(s))
	if err != nil {
		return nil, fmt.Errorf("%w: Uuid: %v", ErrBadMessageTable, err)
	}
	return id[:], nil
}

func tableString(t *lua.LTable, key string) (string, error) {
	switch v := t.RawGetString(key).(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: %s must be a string, got %s", ErrBadMessageTable, key, v.Type())
	}
}

func tableInt(t *lua.LTable, key string) (int64, error) {
	switch v := t.RawGetString(key).(type) {
	case *lua.LNilType:
		return 0, nil
	case lua.LNumber:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %s must be finite", ErrBadMessageTable, key)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %s", ErrBadMessageTable, key, v.Type())
	}
}

func tableFields(t *lua.LTable) ([]message.Field, error) {
	if t.RawGetInt(1) != lua.LNil {
		n := t.Len()
		fields := make([]message.Field, 0, n)
		for i := 1; i <= n; i++ {
			entry, ok := t.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("%w: Fields[%d] must be a table", ErrBadMessageTable, i)
			}
			name, ok := entry.RawGetString("name").(lua.LString)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: Fields[%d] has no name", ErrBadMessageTable, i)
			}
			f, err := explicitField(string(name), entry)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		return fields, nil
	}

	var names []string
	var bad lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); ok && ks != "" {
			names = append(names, string(ks))
		} else if bad == nil {
			bad = k
		}
	})
	if bad != nil {
		return nil, fmt.Errorf("%w: field name %s is not a string", ErrBadMessageTable, bad.String())
	}
	sort.Strings(names)

	fields := make([]message.Field, 0, len(names))
	for _, name := range names {
		v := t.RawGetString(name)
		var (
			f   message.Field
			err error
		)
		if vt, ok := v.(*lua.LTable); ok && vt.RawGetString("value") != lua.LNil {
			f, err = explicitField(name, vt)
		} else {
			f, err = buildField(name, v, -1, "")
		}
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func explicitField(name string, t *lua.LTable) (message.Field, error) {
	vt := -1
	switch v := t.RawGetString("value_type").(type) {
	case *lua.LNilType:
	case lua.LNumber:
		vt = int(v)
	default:
		return message.Field{}, fmt.Errorf("%w: field %q value_type must be a number", ErrBadMessageTable, name)
	}
	rep, err := tableString(t, "representation")
	if err != nil {
		return message.Field{}, err
	}
	return buildField(name, t.RawGetString("value"), vt, rep)
}

// buildField converts a scalar or an array of scalars. vt < 0 infers the
// value type from the first element: strings, doubles and bools.
func buildField(name string, v lua.LValue, vt int, rep string) (message.Field, error) {
	f := message.Field{Name: name, Representation: rep}

	var values []lua.LValue
	if t, ok := v.(*lua.LTable); ok {
		n := t.Len()
		for i := 1; i <= n; i++ {
			values = append(values, t.RawGetInt(i))
		}
	} else if v != lua.LNil {
		values = []lua.LValue{v}
	}
	if len(values) == 0 {
		return f, fmt.Errorf("%w: field %q has no value", ErrBadMessageTable, name)
	}

	if vt < 0 {
		switch values[0].(type) {
		case lua.LString:
			vt = int(message.TypeString)
		case lua.LNumber:
			vt = int(message.TypeDouble)
		case lua.LBool:
			vt = int(message.TypeBool)
		default:
			return f, fmt.Errorf("%w: field %q has unsupported value type %s", ErrBadMessageTable, name, values[0].Type())
		}
	}
	f.ValueType = message.ValueType(vt)

	for i, item := range values {
		mismatch := fmt.Errorf("%w: field %q value %d does not match type %s", ErrBadMessageTable, name, i+1, f.ValueType)
		switch f.ValueType {
		case message.TypeString:
			s, ok := item.(lua.LString)
			if !ok {
				return f, mismatch
			}
			f.Strings = append(f.Strings, string(s))
		case message.TypeBytes:
			s, ok := item.(lua.LString)
			if !ok {
				return f, mismatch
			}
			f.Bytes = append(f.Bytes, []byte(s))
		case message.TypeInteger:
			n, ok := item.(lua.LNumber)
			if !ok {
				return f, mismatch
			}
			f.Integers = append(f.Integers, int64(n))
		case message.TypeDouble:
			n, ok := item.(lua.LNumber)
			if !ok {
				return f, mismatch
			}
			f.Doubles = append(f.Doubles, float64(n))
		case message.TypeBool:
			bv, ok := item.(lua.LBool)
			if !ok {
				return f, mismatch
			}
			f.Bools = append(f.Bools, bool(bv))
		default:
			return f, fmt.Errorf("%w: field %q has unknown value_type %d", ErrBadMessageTable, name, vt)
		}
	}
	return f, nil
}
