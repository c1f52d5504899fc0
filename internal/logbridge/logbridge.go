// Package logbridge formats plugin diagnostics as severity-labelled lines
// and forwards them to a host-supplied sink.
//
// Severities follow syslog numbering: 0 is the most severe (panic) and 7
// the least (debug). Unknown severities are reported as debug.
//
// Every formatted line has the shape
//
//	[<label>] <message>\n
//
// and never exceeds MaxLineLength bytes. Longer messages are truncated on a
// UTF-8 boundary, and embedded line breaks are flattened so one call always
// yields exactly one line.
package logbridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLineLength is the hard upper bound, in bytes, of a formatted line
// including the trailing newline.
const MaxLineLength = 1024

// Severity levels.
const (
	SeverityPanic = iota
	SeverityAlert
	SeverityCrit
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

var labels = [...]string{
	SeverityPanic:   "panic",
	SeverityAlert:   "alert",
	SeverityCrit:    "crit",
	SeverityError:   "error",
	SeverityWarning: "warning",
	SeverityNotice:  "notice",
	SeverityInfo:    "info",
	SeverityDebug:   "debug",
}

// Label returns the text label for a severity.
func Label(severity int) string {
	if severity < 0 || severity >= len(labels) {
		return labels[SeverityDebug]
	}
	return labels[severity]
}

// Format renders a single bounded log line.
func Format(severity int, msg string) string {
	label := Label(severity)
	// "[" + label + "] " + msg + "\n"
	overhead := len(label) + 4
	msg = flatten(msg)
	if room := MaxLineLength - overhead; len(msg) > room {
		msg = truncate(msg, room)
	}

	var b strings.Builder
	b.Grow(overhead + len(msg))
	b.WriteByte('[')
	b.WriteString(label)
	b.WriteString("] ")
	b.WriteString(msg)
	b.WriteByte('\n')
	return b.String()
}

// flatten replaces invalid UTF-8 and line breaks so the result renders as
// one line.
func flatten(msg string) string {
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, "?")
	}
	if strings.ContainsAny(msg, "\r\n") {
		msg = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(msg)
	}
	return msg
}

// truncate cuts msg to at most n bytes without splitting a rune.
func truncate(msg string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(msg) <= n {
		return msg
	}
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

// Sink receives formatted lines. The parent is the opaque host handle of
// the sandbox that produced the line; sinks must not retain it.
type Sink interface {
	Log(parent any, line string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(parent any, line string)

// Log calls f(parent, line).
func (f SinkFunc) Log(parent any, line string) {
	f(parent, line)
}

// Discard is a Sink that drops every line.
var Discard Sink = SinkFunc(func(any, string) {})

// Logger binds a sink to a component name.
type Logger struct {
	sink      Sink
	component string
}

// New creates a Logger. A nil sink discards output.
func New(sink Sink, component string) *Logger {
	if sink == nil {
		sink = Discard
	}
	return &Logger{sink: sink, component: component}
}

// Component returns the component name the logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// Log formats msg at the given severity and forwards it.
func (l *Logger) Log(parent any, severity int, msg string) {
	l.sink.Log(parent, Format(severity, msg))
}

// Logf is Log with fmt.Sprintf formatting.
func (l *Logger) Logf(parent any, severity int, format string, args ...any) {
	l.Log(parent, severity, fmt.Sprintf(format, args...))
}
