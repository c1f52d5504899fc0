package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/luasbx/internal/message"
)

// messageFromJSON builds a message from a JSON object using the message
// header names as keys. Missing Uuid and Timestamp are generated. Fields is
// an object of name to value or array of values.
func messageFromJSON(line string) (*message.Message, error) {
	if !gjson.Valid(line) {
		return nil, errors.New("invalid JSON")
	}
	obj := gjson.Parse(line)
	if !obj.IsObject() {
		return nil, errors.New("message must be a JSON object")
	}

	m := message.New()
	m.Timestamp = time.Now().UnixNano()
	if v := obj.Get("Uuid"); v.Exists() {
		id, err := uuid.Parse(v.String())
		if err != nil {
			return nil, fmt.Errorf("invalid Uuid: %w", err)
		}
		m.Uuid = id[:]
	}
	if v := obj.Get("Timestamp"); v.Exists() {
		m.Timestamp = v.Int()
	}
	if v := obj.Get("Severity"); v.Exists() {
		m.Severity = int32(v.Int())
	}
	m.Type = obj.Get("Type").String()
	m.Logger = obj.Get("Logger").String()
	m.Payload = obj.Get("Payload").String()
	m.EnvVersion = obj.Get("EnvVersion").String()
	m.Pid = int32(obj.Get("Pid").Int())
	m.Hostname = obj.Get("Hostname").String()

	var err error
	obj.Get("Fields").ForEach(func(key, value gjson.Result) bool {
		var f message.Field
		f, err = fieldFromJSON(key.String(), value)
		if err != nil {
			return false
		}
		m.AddField(f)
		return true
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func fieldFromJSON(name string, v gjson.Result) (message.Field, error) {
	values := []gjson.Result{v}
	if v.IsArray() {
		values = v.Array()
	}
	if len(values) == 0 {
		return message.Field{}, fmt.Errorf("field %q has no values", name)
	}

	f := message.Field{Name: name}
	switch values[0].Type {
	case gjson.String:
		f.ValueType = message.TypeString
	case gjson.Number:
		f.ValueType = message.TypeInteger
		for _, x := range values {
			if strings.ContainsAny(x.Raw, ".eE") {
				f.ValueType = message.TypeDouble
			}
		}
	case gjson.True, gjson.False:
		f.ValueType = message.TypeBool
	default:
		return message.Field{}, fmt.Errorf("field %q: unsupported value %s", name, values[0].Raw)
	}

	for _, x := range values {
		switch {
		case f.ValueType == message.TypeString && x.Type == gjson.String:
			f.Strings = append(f.Strings, x.String())
		case f.ValueType == message.TypeInteger && x.Type == gjson.Number:
			f.Integers = append(f.Integers, x.Int())
		case f.ValueType == message.TypeDouble && x.Type == gjson.Number:
			f.Doubles = append(f.Doubles, x.Float())
		case f.ValueType == message.TypeBool && (x.Type == gjson.True || x.Type == gjson.False):
			f.Bools = append(f.Bools, x.Bool())
		default:
			return message.Field{}, fmt.Errorf("field %q mixes value types", name)
		}
	}
	return f, nil
}

// messageToJSON renders a message in the form read by messageFromJSON.
// Repeated field names keep the last field.
func messageToJSON(m *message.Message) (string, error) {
	out := "{}"
	set := func(path string, v any) error {
		var err error
		out, err = sjson.Set(out, path, v)
		return err
	}

	header := []struct {
		key   string
		value any
	}{
		{"Uuid", m.UUIDString()},
		{"Timestamp", m.Timestamp},
		{"Type", m.Type},
		{"Logger", m.Logger},
		{"Severity", m.Severity},
		{"Payload", m.Payload},
		{"EnvVersion", m.EnvVersion},
		{"Pid", m.Pid},
		{"Hostname", m.Hostname},
	}
	for _, kv := range header {
		if err := set(kv.key, kv.value); err != nil {
			return "", err
		}
	}

	for i := range m.Fields {
		f := &m.Fields[i]
		values := make([]any, 0, f.Len())
		for j := 0; j < f.Len(); j++ {
			v, _ := f.Value(j)
			values = append(values, v)
		}
		var v any = values
		if len(values) == 1 {
			v = values[0]
		}
		if err := set("Fields."+gjson.Escape(f.Name), v); err != nil {
			return "", err
		}
	}
	return out, nil
}
