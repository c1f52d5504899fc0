package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/message"
	"github.com/dshills/luasbx/internal/usage"
)

type testParent struct {
	name string
}

func fixture(name string) string {
	return filepath.Join("testdata", name)
}

func writeScript(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(path, []byte(code), 0o644))
	return path
}

func newSandbox(t *testing.T, role Role, script string, cfg Config, opts ...Option) *Sandbox {
	t.Helper()
	opts = append([]Option{WithLogSink(logbridge.Discard)}, opts...)
	sb, err := Create(&testParent{name: "host"}, role, script, "", cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Destroy() })
	return sb
}

func encodeMessage(t *testing.T, typ, payload string) []byte {
	t.Helper()
	m := message.New()
	m.Timestamp = 1_700_000_000_000_000_000
	m.Type = typ
	m.Payload = payload
	m.Hostname = "upstream"
	data, err := message.Encode(m)
	require.NoError(t, err)
	return data
}

// injections records analysis injections.
type injections struct {
	mu   sync.Mutex
	data [][]byte
	err  error
}

func (r *injections) callbacks() AnalysisCallbacks {
	return AnalysisCallbacks{
		InjectMessage: func(_ Parent, data []byte) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.err != nil {
				return r.err
			}
			r.data = append(r.data, append([]byte(nil), data...))
			return nil
		},
	}
}

func (r *injections) messages(t *testing.T) []*message.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.Message, 0, len(r.data))
	for _, data := range r.data {
		m, err := message.Decode(data)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestCreateAnalysis(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{Hostname: "box"})

	assert.Equal(t, StateRunning, sb.State())
	assert.Empty(t, sb.LastError())
	assert.Equal(t, RoleAnalysis, sb.Role())
	assert.Equal(t, "counter", sb.Name())
	assert.Equal(t, "box", sb.Hostname())
	assert.Equal(t, uint64(usage.DefaultInstructionLimit), sb.Usage(usage.Instruction, usage.Limit))
	assert.Equal(t, uint64(usage.DefaultMemoryLimit), sb.Usage(usage.Memory, usage.Limit))
	assert.Positive(t, sb.Usage(usage.Memory, usage.Current))
	assert.Zero(t, sb.Stats().PMCount)
}

func TestCreateFailures(t *testing.T) {
	missingDir := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name   string
		role   Role
		script string
		cfg    Config
		opts   []Option
		want   error
	}{
		{"missing script", RoleAnalysis, fixture("missing.lua"), Config{}, nil, ErrScriptNotFound},
		{"directory script", RoleAnalysis, "testdata", Config{}, nil, ErrScriptNotFound},
		{"unknown role", Role(9), fixture("counter.lua"), Config{}, nil, ErrUnknownRole},
		{"zero role", Role(0), fixture("counter.lua"), Config{}, nil, ErrUnknownRole},
		{"missing entry point", RoleOutput, fixture("no_entry.lua"), Config{}, nil, ErrMissingEntryPoint},
		{"bad plugin config", RoleAnalysis, fixture("counter.lua"), Config{PluginConfig: "{"}, nil, ErrInvalidConfig},
		{"array plugin config", RoleAnalysis, fixture("counter.lua"), Config{PluginConfig: "[1]"}, nil, ErrInvalidConfig},
		{"bad compression", RoleAnalysis, fixture("counter.lua"), Config{Compression: "gzip"}, nil, ErrInvalidConfig},
		{"missing module dir", RoleAnalysis, fixture("counter.lua"), Config{ModuleDirectory: missingDir}, nil, ErrInvalidConfig},
		{
			"callback mismatch", RoleAnalysis, fixture("counter.lua"), Config{},
			[]Option{WithCallbacks(OutputCallbacks{})}, ErrCallbackRoleMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, err := Create(nil, tt.role, tt.script, "", tt.cfg, tt.opts...)
			assert.Nil(t, sb)
			var cerr *CreationError
			require.ErrorAs(t, err, &cerr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateMissingScriptAllRoles(t *testing.T) {
	for _, role := range []Role{RoleInput, RoleAnalysis, RoleOutput} {
		for i := 0; i < 50; i++ {
			sb, err := Create(nil, role, fixture("missing.lua"), "", Config{})
			require.Nil(t, sb)
			require.ErrorIs(t, err, ErrScriptNotFound)
		}
	}
}

func TestCreateScriptFaults(t *testing.T) {
	t.Run("runtime error", func(t *testing.T) {
		script := writeScript(t, `error("broken at load")
function process_message() return 0 end`)
		_, err := Create(nil, RoleAnalysis, script, "", Config{})
		var serr *ScriptError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Message, "broken at load")
	})

	t.Run("syntax error", func(t *testing.T) {
		script := writeScript(t, `function process_message( return 0 end`)
		_, err := Create(nil, RoleAnalysis, script, "", Config{})
		var serr *ScriptError
		require.ErrorAs(t, err, &serr)
	})

	t.Run("instruction limit", func(t *testing.T) {
		script := writeScript(t, `while true do end`)
		_, err := Create(nil, RoleAnalysis, script, "", Config{Limits: usage.Limits{Instructions: 500}})
		var qerr *QuotaError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, usage.Instruction, qerr.Resource)
	})
}

func TestProcessAnalysisInjects(t *testing.T) {
	var rec injections
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{Hostname: "box", Pid: 4242},
		WithCallbacks(rec.callbacks()))

	err := sb.ProcessAnalysis(encodeMessage(t, "test", "hello"))
	require.NoError(t, err)
	assert.Equal(t, CodeOK, Code(err))

	msgs := rec.messages(t)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "derived.test", m.Type)
	assert.Equal(t, "hello", m.Payload)
	assert.Equal(t, "counter", m.Logger)
	assert.Equal(t, "box", m.Hostname)
	assert.Equal(t, int32(4242), m.Pid)
	assert.Positive(t, m.Timestamp)
	assert.Len(t, m.Uuid, message.UUIDSize)
	v, ok := m.Read("Fields[count]", 0, 0)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	stats := sb.Stats()
	assert.Equal(t, uint64(1), stats.PMCount)
	assert.Zero(t, stats.PMFailures)
	assert.Equal(t, uint64(1), stats.PMDuration.Count())
	assert.Zero(t, stats.IMCount)
	assert.Equal(t, uint64(len(rec.data[0])), sb.Usage(usage.Output, usage.Current))
	assert.Positive(t, sb.Usage(usage.Instruction, usage.Current))
	assert.Equal(t, StateRunning, sb.State())
}

func TestProcessAnalysisInstructionLimit(t *testing.T) {
	var rec injections
	sb := newSandbox(t, RoleAnalysis, fixture("loop.lua"), Config{Limits: usage.Limits{Instructions: 1000}},
		WithCallbacks(rec.callbacks()))

	err := sb.ProcessAnalysis(encodeMessage(t, "test", "spin"))
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, usage.Instruction, qerr.Resource)
	assert.Equal(t, uint64(1000), qerr.Limit)
	assert.Equal(t, uint64(1001), qerr.Value)
	assert.Equal(t, CodeFatal, Code(err))
	assert.True(t, IsFatal(err))

	assert.Equal(t, StateTerminated, sb.State())
	assert.Equal(t, "process_message() instruction_limit exceeded", sb.LastError())
	assert.Equal(t, uint64(1001), sb.Usage(usage.Instruction, usage.Current))
	assert.Equal(t, uint64(1001), sb.Usage(usage.Instruction, usage.Maximum))

	stats := sb.Stats()
	assert.Equal(t, uint64(1), stats.PMCount)
	assert.Equal(t, uint64(1), stats.PMFailures)
}

func TestTerminatedRejectsCalls(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("status.lua"), Config{})

	err := sb.ProcessAnalysis(encodeMessage(t, "test", "error"))
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "boom")
	assert.Equal(t, StateTerminated, sb.State())
	lastErr := sb.LastError()
	assert.True(t, strings.HasPrefix(lastErr, "process_message() "), lastErr)

	before := sb.Stats()
	usageBefore := sb.Usage(usage.Instruction, usage.Current)
	for i := 0; i < 3; i++ {
		err = sb.ProcessAnalysis(encodeMessage(t, "test", "ok"))
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, CodeInvalidState, Code(err))
		err = sb.ProcessAnalysis(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.ErrorIs(t, sb.TimerEvent(1, false), ErrInvalidState)
	}
	assert.Equal(t, before, sb.Stats())
	assert.Equal(t, usageBefore, sb.Usage(usage.Instruction, usage.Current))
	assert.Equal(t, lastErr, sb.LastError())
}

func TestDecodeErrorLeavesCounters(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{})
	valid := encodeMessage(t, "test", "payload")

	inputs := [][]byte{
		nil,
		{},
		[]byte("garbage"),
		valid[:len(valid)-1],
		valid[:3],
	}
	for _, data := range inputs {
		err := sb.ProcessAnalysis(data)
		var derr *DecodeError
		require.ErrorAs(t, err, &derr)
		assert.ErrorIs(t, err, message.ErrMalformed)
		assert.Equal(t, CodeDecode, Code(err))
	}

	stats := sb.Stats()
	assert.Zero(t, stats.PMCount)
	assert.Zero(t, stats.PMFailures)
	assert.Equal(t, StateRunning, sb.State())
	assert.Empty(t, sb.LastError())
}

func TestHostCallbackErrorKeepsRunning(t *testing.T) {
	rejected := errors.New("queue full")
	rec := injections{err: rejected}
	script := writeScript(t, `
attempts = 0
function process_message()
    attempts = attempts + 1
    local ok = pcall(inject_message, {Type = "first"})
    inject_message({Type = "second"})
    return 0
end`)
	sb := newSandbox(t, RoleAnalysis, script, Config{}, WithCallbacks(rec.callbacks()))

	err := sb.ProcessAnalysis(encodeMessage(t, "test", ""))
	var herr *HostCallbackError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "inject_message", herr.Callback)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, CodeHostCallback, Code(err))
	assert.False(t, IsFatal(err))

	assert.Equal(t, StateRunning, sb.State())
	assert.Empty(t, sb.LastError())
	stats := sb.Stats()
	assert.Equal(t, uint64(1), stats.PMCount)
	assert.Equal(t, uint64(1), stats.PMFailures)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "test", "")))
	msgs := rec.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Type)
	assert.Equal(t, "second", msgs[1].Type)
	stats = sb.Stats()
	assert.Equal(t, uint64(2), stats.PMCount)
	assert.Equal(t, uint64(1), stats.PMFailures)
}

func TestProcessOutputCheckpoint(t *testing.T) {
	type ack struct {
		parent Parent
		token  CheckpointToken
	}
	var acks []ack
	callbacks := OutputCallbacks{
		UpdateCheckpoint: func(parent Parent, token CheckpointToken) error {
			acks = append(acks, ack{parent, token})
			return nil
		},
	}
	parent := &testParent{name: "output host"}
	sb, err := Create(parent, RoleOutput, fixture("output.lua"), "", Config{},
		WithCallbacks(callbacks), WithLogSink(logbridge.Discard))
	require.NoError(t, err)
	defer sb.Destroy()

	err = sb.ProcessOutput(encodeMessage(t, "deliver", ""), 42)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Same(t, parent, acks[0].parent)
	assert.Equal(t, 42, acks[0].token)

	acks = nil
	require.NoError(t, sb.ProcessOutput(encodeMessage(t, "ack", ""), "batch-7"))
	require.Len(t, acks, 1)
	assert.Equal(t, "batch-7", acks[0].token)

	acks = nil
	token := map[string]int{"offset": 9}
	require.NoError(t, sb.ProcessOutput(encodeMessage(t, "ack_token", ""), token))
	require.Len(t, acks, 2)
	assert.Equal(t, token, acks[0].token)
	assert.Equal(t, token, acks[1].token)
}

func TestProcessOutputRepeatedCheckpoint(t *testing.T) {
	var acks []CheckpointToken
	sb := newSandbox(t, RoleOutput, fixture("output.lua"), Config{}, WithCallbacks(OutputCallbacks{
		UpdateCheckpoint: func(_ Parent, token CheckpointToken) error {
			acks = append(acks, token)
			return nil
		},
	}))

	require.NoError(t, sb.ProcessOutput(encodeMessage(t, "ack_twice", ""), 42))
	assert.Equal(t, []CheckpointToken{42}, acks)

	acks = nil
	require.NoError(t, sb.ProcessOutput(encodeMessage(t, "ack_twice", ""), 43))
	assert.Equal(t, []CheckpointToken{43}, acks)
}

func TestProcessOutputStatuses(t *testing.T) {
	var acks int
	sb := newSandbox(t, RoleOutput, fixture("output.lua"), Config{}, WithCallbacks(OutputCallbacks{
		UpdateCheckpoint: func(Parent, CheckpointToken) error {
			acks++
			return nil
		},
	}))

	err := sb.ProcessOutput(encodeMessage(t, "skip", ""), 1)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatusSkip, serr.Status)
	assert.Equal(t, StatusSkip, Code(err))

	err = sb.ProcessOutput(encodeMessage(t, "retry", ""), 2)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StatusRetry, serr.Status)
	assert.Equal(t, "retry later", serr.Message)

	assert.Zero(t, acks)
	assert.Equal(t, StateRunning, sb.State())
	stats := sb.Stats()
	assert.Equal(t, uint64(2), stats.PMCount)
	assert.Zero(t, stats.PMFailures)
}

func TestProcessOutputCheckpointFailure(t *testing.T) {
	refused := errors.New("ack refused")
	sb := newSandbox(t, RoleOutput, fixture("output.lua"), Config{}, WithCallbacks(OutputCallbacks{
		UpdateCheckpoint: func(Parent, CheckpointToken) error { return refused },
	}))

	err := sb.ProcessOutput(encodeMessage(t, "deliver", ""), 1)
	var herr *HostCallbackError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "update_checkpoint", herr.Callback)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, StateRunning, sb.State())

	err = sb.ProcessOutput(encodeMessage(t, "ack", ""), 2)
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, uint64(2), sb.Stats().PMFailures)
}

func TestProcessInputInjections(t *testing.T) {
	var (
		sizes       []int
		checkpoints []Checkpoint
	)
	sb := newSandbox(t, RoleInput, fixture("input.lua"), Config{}, WithCallbacks(InputCallbacks{
		InjectMessage: func(_ Parent, data []byte, cp Checkpoint) error {
			sizes = append(sizes, len(data))
			checkpoints = append(checkpoints, cp)
			return nil
		},
	}))

	require.NoError(t, sb.ProcessInput(Checkpoint{}))
	require.Len(t, sizes, 3)
	var total uint64
	for _, n := range sizes {
		total += uint64(n)
	}
	stats := sb.Stats()
	assert.Equal(t, uint64(3), stats.IMCount)
	assert.Equal(t, total, stats.IMBytes)
	assert.Equal(t, []Checkpoint{NumericCheckpoint(1), NumericCheckpoint(2), NumericCheckpoint(3)}, checkpoints)

	require.NoError(t, sb.ProcessInput(checkpoints[2]))
	assert.Equal(t, NumericCheckpoint(6), checkpoints[5])
	stats = sb.Stats()
	assert.Equal(t, uint64(6), stats.IMCount)
	assert.Equal(t, uint64(2), stats.PMCount)
}

func TestProcessInputFailedInjectNotCounted(t *testing.T) {
	calls := 0
	sb := newSandbox(t, RoleInput, fixture("input.lua"), Config{}, WithCallbacks(InputCallbacks{
		InjectMessage: func(Parent, []byte, Checkpoint) error {
			calls++
			if calls == 2 {
				return errors.New("backpressure")
			}
			return nil
		},
	}))

	err := sb.ProcessInput(Checkpoint{})
	var herr *HostCallbackError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 2, calls)
	stats := sb.Stats()
	assert.Equal(t, uint64(1), stats.IMCount)
	assert.Equal(t, StateRunning, sb.State())
}

func TestInputCheckpointArgument(t *testing.T) {
	var got []Checkpoint
	script := writeScript(t, `
function process_message(cp)
    inject_message({Type = "a"})
    inject_message({Type = "b"}, "offset:" .. tostring(cp))
    inject_message({Type = "c"}, 12.5)
    return 0
end`)
	sb := newSandbox(t, RoleInput, script, Config{}, WithCallbacks(InputCallbacks{
		InjectMessage: func(_ Parent, _ []byte, cp Checkpoint) error {
			got = append(got, cp)
			return nil
		},
	}))

	require.NoError(t, sb.ProcessInput(StringCheckpoint("x")))
	assert.Equal(t, []Checkpoint{{}, StringCheckpoint("offset:x"), NumericCheckpoint(12.5)}, got)
}

func TestWrongRole(t *testing.T) {
	analysis := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{})
	input := newSandbox(t, RoleInput, fixture("input.lua"), Config{})
	data := encodeMessage(t, "test", "")

	errs := []error{
		analysis.ProcessOutput(data, 1),
		analysis.ProcessInput(Checkpoint{}),
		input.ProcessAnalysis(data),
		input.TimerEvent(1, false),
	}
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidRole)
		assert.Equal(t, CodeInvalidState, Code(err))
	}
	assert.Zero(t, analysis.Stats().PMCount)
	assert.Zero(t, input.Stats().PMCount)
	assert.Equal(t, StateRunning, analysis.State())
	assert.Equal(t, StateRunning, input.State())
}

func TestProcessStatusValues(t *testing.T) {
	tests := []struct {
		payload string
		fatal   bool
		code    int
		errText string
	}{
		{"ok", false, CodeOK, ""},
		{"negative", false, -1, "not now"},
		{"string", true, CodeFatal, "must return a numeric status code"},
		{"none", true, CodeFatal, "must return a numeric status code"},
		{"positive", true, CodeFatal, "returned status 1"},
		{"positive_msg", true, CodeFatal, "bad input"},
		{"bad_msg", true, CodeFatal, "must return a nil or string error message"},
		{"error", true, CodeFatal, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			sb := newSandbox(t, RoleAnalysis, fixture("status.lua"), Config{})
			err := sb.ProcessAnalysis(encodeMessage(t, "test", tt.payload))
			assert.Equal(t, tt.code, Code(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
			if tt.errText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			}
			if tt.fatal {
				assert.Equal(t, StateTerminated, sb.State())
				assert.Contains(t, sb.LastError(), tt.errText)
				assert.Equal(t, uint64(1), sb.Stats().PMFailures)
			} else {
				assert.Equal(t, StateRunning, sb.State())
				assert.Empty(t, sb.LastError())
				assert.Zero(t, sb.Stats().PMFailures)
			}
		})
	}
}

func TestTimerEventPayload(t *testing.T) {
	var rec injections
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{}, WithCallbacks(rec.callbacks()))

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "a", "")))
	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "b", "")))
	require.NoError(t, sb.TimerEvent(1_700_000_000_000_000_000, false))

	msgs := rec.messages(t)
	require.Len(t, msgs, 3)
	payload := msgs[2]
	assert.Equal(t, PayloadMessageType, payload.Type)
	assert.Equal(t, "count=2\n", payload.Payload)
	v, ok := payload.Read("Fields[payload_type]", 0, 0)
	require.True(t, ok)
	assert.Equal(t, "txt", v)
	v, ok = payload.Read("Fields[payload_name]", 0, 0)
	require.True(t, ok)
	assert.Equal(t, "counter", v)

	stats := sb.Stats()
	assert.Equal(t, uint64(2), stats.PMCount)
	assert.Equal(t, uint64(1), stats.TEDuration.Count())
	assert.Equal(t, uint64(2), stats.PMDuration.Count())
}

func TestTimerEventFailures(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		sb := newSandbox(t, RoleOutput, fixture("output.lua"), Config{})
		err := sb.TimerEvent(0, true)
		assert.True(t, IsFatal(err))
		assert.Equal(t, StateTerminated, sb.State())
		assert.True(t, strings.HasPrefix(sb.LastError(), "timer_event() "), sb.LastError())
		assert.Zero(t, sb.Stats().PMFailures)
	})

	t.Run("instruction limit", func(t *testing.T) {
		sb := newSandbox(t, RoleAnalysis, fixture("loop.lua"), Config{Limits: usage.Limits{Instructions: 2000}})
		err := sb.TimerEvent(0, false)
		var qerr *QuotaError
		require.ErrorAs(t, err, &qerr)
		assert.Equal(t, "timer_event() instruction_limit exceeded", sb.LastError())
	})
}

func TestOutputLimit(t *testing.T) {
	script := writeScript(t, `
function process_message()
    inject_message({Type = "big", Payload = string.rep("x", 500)})
    return 0
end`)
	var rec injections
	sb := newSandbox(t, RoleAnalysis, script, Config{Limits: usage.Limits{Output: 200}}, WithCallbacks(rec.callbacks()))

	err := sb.ProcessAnalysis(encodeMessage(t, "test", ""))
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, usage.Output, qerr.Resource)
	assert.Equal(t, "process_message() output_limit exceeded", sb.LastError())
	assert.Empty(t, rec.data)
	assert.Greater(t, sb.Usage(usage.Output, usage.Maximum), uint64(200))
}

func TestPayloadOutputLimit(t *testing.T) {
	script := writeScript(t, `
function process_message()
    for i = 1, 100 do
        add_to_payload("0123456789")
    end
    return 0
end`)
	sb := newSandbox(t, RoleAnalysis, script, Config{Limits: usage.Limits{Output: 256}})

	err := sb.ProcessAnalysis(encodeMessage(t, "test", ""))
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, usage.Output, qerr.Resource)
}

func TestMemoryLimit(t *testing.T) {
	script := writeScript(t, `
data = {}
function process_message()
    for i = 1, 1000000 do
        data[i] = {i}
    end
    return 0
end`)
	sb := newSandbox(t, RoleAnalysis, script, Config{Limits: usage.Limits{Memory: 256 * 1024}})

	err := sb.ProcessAnalysis(encodeMessage(t, "test", ""))
	var qerr *QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, usage.Memory, qerr.Resource)
	assert.Equal(t, "process_message() memory_limit exceeded", sb.LastError())
	assert.Greater(t, sb.Usage(usage.Memory, usage.Maximum), uint64(256*1024))
}

func TestMemoryUsageAcrossCalls(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{})

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "test", "one")))
	first := sb.Usage(usage.Memory, usage.Current)
	assert.Positive(t, first)

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "test", "two")))
	second := sb.Usage(usage.Memory, usage.Current)
	assert.GreaterOrEqual(t, second, first)
	assert.GreaterOrEqual(t, sb.Usage(usage.Memory, usage.Maximum), second)
}

func TestReadMessageAndConfig(t *testing.T) {
	script := writeScript(t, `
local greeting = read_config("greeting")
function process_message()
    inject_message({
        Type = "config",
        Payload = greeting .. " " .. read_message("Payload"),
        Fields = {
            logger = read_config("Logger"),
            depth = read_config("nested.depth"),
            limit = read_config("instruction_limit"),
            missing = tostring(read_config("missing")),
            host = read_message("Hostname"),
            severity = read_message("Severity"),
            size = read_message("size"),
            absent = tostring(read_message("Fields[absent]")),
        },
    })
    return 0
end`)
	var rec injections
	sb := newSandbox(t, RoleAnalysis, script, Config{
		Name:         "cfg",
		PluginConfig: `{"greeting": "hi", "nested": {"depth": 3}}`,
		Limits:       usage.Limits{Instructions: 5000},
	}, WithCallbacks(rec.callbacks()))

	data := encodeMessage(t, "test", "there")
	require.NoError(t, sb.ProcessAnalysis(data))

	msgs := rec.messages(t)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "hi there", m.Payload)
	read := func(name string) any {
		v, ok := m.Read("Fields["+name+"]", 0, 0)
		require.True(t, ok, name)
		return v
	}
	assert.Equal(t, "cfg", read("logger"))
	assert.Equal(t, 3.0, read("depth"))
	assert.Equal(t, 5000.0, read("limit"))
	assert.Equal(t, "nil", read("missing"))
	assert.Equal(t, "upstream", read("host"))
	assert.Equal(t, 7.0, read("severity"))
	assert.Equal(t, float64(len(data)), read("size"))
	assert.Equal(t, "nil", read("absent"))
}

func TestInjectEncodedMessage(t *testing.T) {
	script := writeScript(t, `
function process_message()
    local raw = encode_message({Type = "encoded", Payload = "p", Logger = "script"})
    local decoded = decode_message(raw)
    inject_message(raw)
    inject_message({Type = decoded.Type .. ".copy"})
    if read_message("Payload") == "bad" then
        inject_message("not a message")
    end
    return 0
end`)
	var rec injections
	sb := newSandbox(t, RoleAnalysis, script, Config{}, WithCallbacks(rec.callbacks()))

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "test", "good")))
	msgs := rec.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "encoded", msgs[0].Type)
	assert.Equal(t, "script", msgs[0].Logger)
	assert.Equal(t, "encoded.copy", msgs[1].Type)

	err := sb.ProcessAnalysis(encodeMessage(t, "test", "bad"))
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "inject_message()")
	assert.Equal(t, StateTerminated, sb.State())
}

func TestInjectBadTable(t *testing.T) {
	script := writeScript(t, `
function process_message()
    inject_message({Type = "bad", Timestamp = "yesterday"})
    return 0
end`)
	sb := newSandbox(t, RoleAnalysis, script, Config{})

	err := sb.ProcessAnalysis(encodeMessage(t, "test", ""))
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "Timestamp")
}

func TestUpdateCheckpointWithoutToken(t *testing.T) {
	script := writeScript(t, `
function process_message()
    return 0
end

function timer_event(ns, shutdown)
    update_checkpoint()
end`)
	sb := newSandbox(t, RoleOutput, script, Config{})

	err := sb.TimerEvent(1, false)
	var serr *ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Message, "no checkpoint token")
}

func TestAsyncCheckpointFromTimer(t *testing.T) {
	script := writeScript(t, `
pending = nil
function process_message(token)
    pending = token
    return -5
end

function timer_event(ns, shutdown)
    if pending then
        update_checkpoint(pending)
        pending = nil
    end
end`)
	var acks []CheckpointToken
	sb := newSandbox(t, RoleOutput, script, Config{}, WithCallbacks(OutputCallbacks{
		UpdateCheckpoint: func(_ Parent, token CheckpointToken) error {
			acks = append(acks, token)
			return nil
		},
	}))

	err := sb.ProcessOutput(encodeMessage(t, "test", ""), "seq-1")
	assert.Equal(t, StatusAsync, Code(err))
	assert.Empty(t, acks)

	require.NoError(t, sb.TimerEvent(1, false))
	assert.Equal(t, []CheckpointToken{"seq-1"}, acks)
}

func TestLogSink(t *testing.T) {
	type line struct {
		parent any
		text   string
	}
	var lines []line
	sink := logbridge.SinkFunc(func(parent any, text string) {
		lines = append(lines, line{parent, text})
	})
	script := writeScript(t, `
function process_message()
    print("hello", 1)
    log(3, "bad thing")
    return 0
end`)
	parent := &testParent{name: "logging"}
	sb, err := Create(parent, RoleAnalysis, script, "", Config{}, WithLogSink(sink))
	require.NoError(t, err)
	defer sb.Destroy()

	require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "test", "")))
	require.Len(t, lines, 2)
	assert.Same(t, parent, lines[0].parent)
	assert.Equal(t, "[debug] hello 1\n", lines[0].text)
	assert.Equal(t, "[error] bad thing\n", lines[1].text)
}

func TestPreserveAcrossRestarts(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "counter.data")
	counts := func(sb *Sandbox, rec *injections, n int) []string {
		for i := 0; i < n; i++ {
			require.NoError(t, sb.ProcessAnalysis(encodeMessage(t, "tick", "")))
		}
		var out []string
		for _, m := range rec.messages(t) {
			out = append(out, m.Payload)
		}
		return out
	}

	var rec1 injections
	sb, err := Create(nil, RoleAnalysis, fixture("preserve.lua"), statePath, Config{},
		WithCallbacks(rec1.callbacks()), WithLogSink(logbridge.Discard))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, counts(sb, &rec1, 2))
	require.NoError(t, sb.Destroy())
	require.NoError(t, sb.Destroy())
	assert.FileExists(t, statePath)

	var rec2 injections
	sb, err = Create(nil, RoleAnalysis, fixture("preserve.lua"), statePath, Config{Compression: "lz4"},
		WithCallbacks(rec2.callbacks()), WithLogSink(logbridge.Discard))
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, counts(sb, &rec2, 1))
	require.NoError(t, sb.Destroy())

	code, err := os.ReadFile(fixture("preserve.lua"))
	require.NoError(t, err)
	bumped := writeScript(t, strings.Replace(string(code), "_PRESERVATION_VERSION = 1", "_PRESERVATION_VERSION = 2", 1))

	var rec3 injections
	sb, err = Create(nil, RoleAnalysis, bumped, statePath, Config{},
		WithCallbacks(rec3.callbacks()), WithLogSink(logbridge.Discard))
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, counts(sb, &rec3, 1))
	require.NoError(t, sb.Destroy())
}

func TestTerminatedSandboxIsNotPreserved(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "status.data")
	sb, err := Create(nil, RoleAnalysis, fixture("status.lua"), statePath, Config{}, WithLogSink(logbridge.Discard))
	require.NoError(t, err)

	require.Error(t, sb.ProcessAnalysis(encodeMessage(t, "test", "error")))
	require.NoError(t, sb.Destroy())
	assert.NoFileExists(t, statePath)
}

func TestCorruptStateFailsCreation(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "bad.data")
	require.NoError(t, os.WriteFile(statePath, []byte("LSBX not really"), 0o644))

	sb, err := Create(nil, RoleAnalysis, fixture("preserve.lua"), statePath, Config{})
	assert.Nil(t, sb)
	var cerr *CreationError
	require.ErrorAs(t, err, &cerr)
}

func TestStateMonotonic(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("status.lua"), Config{})
	var seen []State
	record := func() { seen = append(seen, sb.State()) }

	record()
	_ = sb.ProcessAnalysis(encodeMessage(t, "test", "ok"))
	record()
	_ = sb.ProcessAnalysis(encodeMessage(t, "test", "negative"))
	record()
	_ = sb.ProcessAnalysis([]byte("junk"))
	record()
	_ = sb.ProcessAnalysis(encodeMessage(t, "test", "error"))
	record()
	_ = sb.ProcessAnalysis(encodeMessage(t, "test", "ok"))
	record()
	require.NoError(t, sb.Destroy())
	record()
	require.NoError(t, sb.Destroy())
	record()

	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i] >= seen[i-1], "state went backwards at step %d", i)
	}
	assert.Equal(t, StateTerminated, seen[len(seen)-1])
	assert.NotEmpty(t, sb.LastError())
}

func TestDestroyRunning(t *testing.T) {
	sb, err := Create(nil, RoleAnalysis, fixture("counter.lua"), "", Config{}, WithLogSink(logbridge.Discard))
	require.NoError(t, err)

	require.NoError(t, sb.Destroy())
	assert.Equal(t, StateTerminated, sb.State())
	assert.Empty(t, sb.LastError())
	assert.ErrorIs(t, sb.ProcessAnalysis(encodeMessage(t, "test", "")), ErrInvalidState)
}

func TestAccessorsDuringProcessing(t *testing.T) {
	sb := newSandbox(t, RoleAnalysis, fixture("counter.lua"), Config{})
	data := encodeMessage(t, "test", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = sb.State()
			_ = sb.Stats()
			_ = sb.Usage(usage.Memory, usage.Current)
			_ = sb.LastError()
		}
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, sb.ProcessAnalysis(data))
	}
	<-done
	assert.Equal(t, uint64(20), sb.Stats().PMCount)
}
