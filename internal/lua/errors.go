package lua

import (
	"errors"
	"fmt"

	"github.com/dshills/luasbx/internal/usage"
)

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrFunctionNotFound is returned when calling an undefined global.
	ErrFunctionNotFound = errors.New("lua function not found")

	// ErrModuleNotFound is returned by require for unknown modules.
	ErrModuleNotFound = errors.New("lua module not found")
)

// LimitError reports a crossed resource ceiling.
type LimitError struct {
	Resource usage.ResourceType
	Limit    uint64
	Value    uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s_limit exceeded", e.Resource)
}

// AbortError reports a call stopped by the host. Err is the host's reason.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return "aborted: " + e.Err.Error()
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// RuntimeError is an error raised by the script itself: a syntax error, a
// call to error(), or a failing built-in.
type RuntimeError struct {
	Message string
}

func (e *RuntimeError) Error() string {
	return e.Message
}
