package sandbox

import (
	"time"

	"github.com/tidwall/gjson"
	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/luasbx/internal/lua"
	"github.com/dshills/luasbx/internal/message"
)

// PayloadMessageType is the Type of messages built by inject_payload.
const PayloadMessageType = "heka.sandbox-output"

// tokenBox marks userdata holding a CheckpointToken handed to the script.
type tokenBox struct {
	token CheckpointToken
}

// dispatcher binds the role's callbacks to the script API. It is created
// once per sandbox and only used from the processing goroutine.
type dispatcher struct {
	sb        *Sandbox
	engine    *lua.State
	callbacks Callbacks
	config    string

	// Per call context.
	msg     *message.Message
	token   CheckpointToken
	payload []byte

	// failed names the callback that aborted the current call.
	failed string

	// acked is set when the script acknowledged the current token itself.
	acked bool
}

func newDispatcher(sb *Sandbox, engine *lua.State, callbacks Callbacks, config string) *dispatcher {
	return &dispatcher{
		sb:        sb,
		engine:    engine,
		callbacks: callbacks,
		config:    config,
	}
}

// install registers the script API for the sandbox role.
func (d *dispatcher) install() {
	d.engine.RegisterFunc("read_config", d.readConfig)
	d.engine.RegisterFunc("decode_message", d.decodeMessage)
	d.engine.RegisterFunc("encode_message", d.encodeMessage)

	switch d.sb.role {
	case RoleInput:
		d.engine.RegisterFunc("inject_message", d.injectMessage)
	case RoleAnalysis:
		d.engine.RegisterFunc("read_message", d.readMessage)
		d.engine.RegisterFunc("inject_message", d.injectMessage)
		d.engine.RegisterFunc("inject_payload", d.injectPayload)
		d.engine.RegisterFunc("add_to_payload", d.addToPayload)
	case RoleOutput:
		d.engine.RegisterFunc("read_message", d.readMessage)
		d.engine.RegisterFunc("update_checkpoint", d.updateCheckpoint)
	}
}

// begin sets the per call context.
func (d *dispatcher) begin(msg *message.Message, token CheckpointToken) {
	d.msg = msg
	d.token = token
	d.payload = d.payload[:0]
	d.failed = ""
	d.acked = false
}

// end clears the per call context so nothing outlives the call.
func (d *dispatcher) end() {
	d.msg = nil
	d.token = nil
}

// tokenValue wraps token for the script.
func tokenValue(L *glua.LState, token CheckpointToken) glua.LValue {
	ud := L.NewUserData()
	ud.Value = tokenBox{token: token}
	return ud
}

func (d *dispatcher) readConfig(L *glua.LState) int {
	key := L.CheckString(1)
	r := gjson.Get(d.config, key)
	if !r.Exists() {
		L.Push(glua.LNil)
		return 1
	}
	L.Push(d.engine.Bridge().ToLuaValue(r.Value()))
	return 1
}

func (d *dispatcher) readMessage(L *glua.LState) int {
	name := L.CheckString(1)
	fi := L.OptInt(2, 0)
	ai := L.OptInt(3, 0)
	if d.msg == nil {
		L.Push(glua.LNil)
		return 1
	}
	v, ok := d.msg.Read(name, fi, ai)
	if !ok {
		L.Push(glua.LNil)
		return 1
	}
	L.Push(d.engine.Bridge().ToLuaValue(v))
	return 1
}

func (d *dispatcher) decodeMessage(L *glua.LState) int {
	data := L.CheckString(1)
	m, err := message.Decode([]byte(data))
	if err != nil {
		L.RaiseError("decode_message() %s", err.Error())
		return 0
	}
	L.Push(d.engine.Bridge().MessageToTable(m))
	return 1
}

func (d *dispatcher) encodeMessage(L *glua.LState) int {
	t := L.CheckTable(1)
	m, err := d.engine.Bridge().TableToMessage(t)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	data, err := message.Encode(m)
	if err != nil {
		L.RaiseError("encode_message() %s", err.Error())
		return 0
	}
	L.Push(glua.LString(data))
	return 1
}

// stamp fills the headers the host owns when the script left them unset.
func (d *dispatcher) stamp(m *message.Message) {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixNano()
	}
	if m.Logger == "" {
		m.Logger = d.sb.name
	}
	if m.Hostname == "" {
		m.Hostname = d.sb.hostname
	}
	if m.Pid == 0 {
		m.Pid = int32(d.sb.pid)
	}
}

// outputArg turns argument idx into encoded message bytes and charges them
// against the output limit.
func (d *dispatcher) outputArg(L *glua.LState, idx int, fn string) []byte {
	var data []byte
	switch v := L.Get(idx).(type) {
	case *glua.LTable:
		m, err := d.engine.Bridge().TableToMessage(v)
		if err != nil {
			L.ArgError(idx, err.Error())
			return nil
		}
		d.stamp(m)
		if data, err = message.Marshal(m); err != nil {
			L.RaiseError("%s() %s", fn, err.Error())
			return nil
		}
		d.charge(L, fn, data)
	case glua.LString:
		data = []byte(v)
		d.charge(L, fn, data)
		if _, err := message.Decode(data); err != nil {
			L.RaiseError("%s() %s", fn, err.Error())
			return nil
		}
	default:
		L.ArgError(idx, "message table or encoded message expected")
		return nil
	}
	return data
}

func (d *dispatcher) charge(L *glua.LState, fn string, data []byte) {
	if err := d.engine.Meter().ChargeOutput(uint64(len(data))); err != nil {
		L.RaiseError("%s() %s", fn, err.Error())
		return
	}
	if len(data) > message.MaxMessageSize {
		L.RaiseError("%s() message of %d bytes exceeds the %d byte limit", fn, len(data), message.MaxMessageSize)
	}
}

// deliver runs a host callback and aborts the call when it fails.
func (d *dispatcher) deliver(L *glua.LState, fn string, call func() error) bool {
	if err := call(); err != nil {
		d.failed = fn
		d.engine.Meter().Abort(err)
		L.RaiseError("%s() aborted by host: %s", fn, err.Error())
		return false
	}
	return true
}

func (d *dispatcher) injectMessage(L *glua.LState) int {
	data := d.outputArg(L, 1, "inject_message")

	switch cb := d.callbacks.(type) {
	case InputCallbacks:
		cp := checkpointArg(L, 2)
		ok := d.deliver(L, "inject_message", func() error {
			if cb.InjectMessage == nil {
				return nil
			}
			return cb.InjectMessage(d.sb.parent, data, cp)
		})
		if ok {
			d.sb.recordInjection(len(data))
		}
	case AnalysisCallbacks:
		d.deliver(L, "inject_message", func() error {
			if cb.InjectMessage == nil {
				return nil
			}
			return cb.InjectMessage(d.sb.parent, data)
		})
	}
	return 0
}

// checkpointArg reads the optional checkpoint of an input inject.
func checkpointArg(L *glua.LState, idx int) Checkpoint {
	switch v := L.Get(idx).(type) {
	case *glua.LNilType:
		return Checkpoint{}
	case glua.LNumber:
		return NumericCheckpoint(float64(v))
	case glua.LString:
		return StringCheckpoint(string(v))
	default:
		L.ArgError(idx, "checkpoint must be a number or a string")
		return Checkpoint{}
	}
}

func (d *dispatcher) addToPayload(L *glua.LState) int {
	d.appendPayload(L, 1, "add_to_payload")
	return 0
}

func (d *dispatcher) appendPayload(L *glua.LState, first int, fn string) {
	for i := first; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case glua.LString:
			d.payload = append(d.payload, v...)
		case glua.LNumber:
			d.payload = append(d.payload, v.String()...)
		default:
			L.ArgError(i, "string or number expected, got "+v.Type().String())
			return
		}
	}
	if err := d.engine.Meter().ChargeOutput(uint64(len(d.payload))); err != nil {
		L.RaiseError("%s() %s", fn, err.Error())
	}
}

func (d *dispatcher) injectPayload(L *glua.LState) int {
	payloadType := L.OptString(1, "txt")
	payloadName := L.OptString(2, "")
	d.appendPayload(L, 3, "inject_payload")

	m := message.New()
	m.Type = PayloadMessageType
	m.Payload = string(d.payload)
	m.AddField(message.Field{Name: "payload_type", Strings: []string{payloadType}, Representation: "file-extension"})
	m.AddField(message.Field{Name: "payload_name", Strings: []string{payloadName}})
	d.stamp(m)
	d.payload = d.payload[:0]

	data, err := message.Marshal(m)
	if err != nil {
		L.RaiseError("inject_payload() %s", err.Error())
		return 0
	}
	d.charge(L, "inject_payload", data)

	cb, _ := d.callbacks.(AnalysisCallbacks)
	d.deliver(L, "inject_payload", func() error {
		if cb.InjectMessage == nil {
			return nil
		}
		return cb.InjectMessage(d.sb.parent, data)
	})
	return 0
}

func (d *dispatcher) updateCheckpoint(L *glua.LState) int {
	token := d.token
	hasToken := d.msg != nil
	current := hasToken
	if L.GetTop() >= 1 && L.Get(1) != glua.LNil {
		ud, ok := L.Get(1).(*glua.LUserData)
		if !ok {
			L.ArgError(1, "checkpoint token expected")
			return 0
		}
		box, ok := ud.Value.(tokenBox)
		if !ok {
			L.ArgError(1, "checkpoint token expected")
			return 0
		}
		token = box.token
		hasToken = true
		current = false
	}
	if !hasToken {
		L.RaiseError("update_checkpoint() no checkpoint token available")
		return 0
	}
	if current && d.acked {
		return 0
	}

	cb, _ := d.callbacks.(OutputCallbacks)
	ok := d.deliver(L, "update_checkpoint", func() error {
		if cb.UpdateCheckpoint == nil {
			return nil
		}
		return cb.UpdateCheckpoint(d.sb.parent, token)
	})
	if ok && current {
		d.acked = true
	}
	return 0
}
