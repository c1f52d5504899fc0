package sandbox

import (
	"errors"
	"fmt"

	"github.com/dshills/luasbx/internal/usage"
)

// Creation failure causes.
var (
	// ErrUnknownRole is returned for a role outside the three known roles.
	ErrUnknownRole = errors.New("unknown sandbox role")

	// ErrScriptNotFound is returned when the script path is not a readable
	// regular file.
	ErrScriptNotFound = errors.New("script not found")

	// ErrMissingEntryPoint is returned when the script does not define
	// process_message.
	ErrMissingEntryPoint = errors.New("script does not define process_message")

	// ErrInvalidConfig is returned for malformed configuration.
	ErrInvalidConfig = errors.New("invalid sandbox configuration")

	// ErrCallbackRoleMismatch is returned when the supplied callbacks belong
	// to another role.
	ErrCallbackRoleMismatch = errors.New("callbacks do not match sandbox role")
)

// Call rejections. Neither touches counters or state.
var (
	// ErrInvalidState is returned when processing is requested while the
	// sandbox is not Running.
	ErrInvalidState = errors.New("sandbox is not running")

	// ErrInvalidRole is returned when an operation is called on a sandbox of
	// the wrong role.
	ErrInvalidRole = errors.New("operation not supported by sandbox role")
)

// CreationError reports a failed Create.
type CreationError struct {
	Name string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create sandbox %q: %v", e.Name, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// DecodeError reports input that could not be decoded into a message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// QuotaError reports a crossed resource ceiling. It is fatal.
type QuotaError struct {
	Resource usage.ResourceType
	Limit    uint64
	Value    uint64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s_limit exceeded", e.Resource)
}

// ScriptError reports a runtime fault in the plugin: an uncaught error, a
// missing function, or an invalid return value. It is fatal.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// HostCallbackError reports a host callback failure. The current call is
// aborted but the sandbox keeps running.
type HostCallbackError struct {
	Callback string
	Err      error
}

func (e *HostCallbackError) Error() string {
	return fmt.Sprintf("%s callback failed: %v", e.Callback, e.Err)
}

func (e *HostCallbackError) Unwrap() error {
	return e.Err
}

// StatusError carries a negative status returned by process_message. It is
// not fatal and is not counted as a failure.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("process_message returned %d", e.Status)
	}
	return fmt.Sprintf("process_message returned %d: %s", e.Status, e.Message)
}

// IsFatal reports whether err terminated the sandbox.
func IsFatal(err error) bool {
	var qe *QuotaError
	var se *ScriptError
	return errors.As(err, &qe) || errors.As(err, &se)
}

// Result codes returned by Code.
const (
	CodeOK           = 0
	CodeFatal        = 1
	CodeInvalidState = 2
	CodeDecode       = 3
	CodeHostCallback = 4
)

// Code maps a processing result to an integer: 0 success, 1 fatal, 2
// invalid state or role, 3 decode failure, 4 host callback failure, and the
// script's own status for negative returns.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Status
	}
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrInvalidRole) {
		return CodeInvalidState
	}
	var decode *DecodeError
	if errors.As(err, &decode) {
		return CodeDecode
	}
	var host *HostCallbackError
	if errors.As(err, &host) {
		return CodeHostCallback
	}
	return CodeFatal
}
