// Package term provides terminal color output and width detection for the
// ahq CLI.
//
// Colors are disabled when:
//   - NO_COLOR env var is set (any value, per https://no-color.org/)
//   - Disable(true) has been called (for --no-color flag)
//   - stdout is not a terminal (piped/redirected)
package term

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// SGR sequences.
const (
	reset  = "\x1b[0m"
	bold   = "\x1b[1m"
	dim    = "\x1b[2m"
	red    = "\x1b[31m"
	green  = "\x1b[32m"
	yellow = "\x1b[33m"
	cyan   = "\x1b[36m"
)

var (
	mu       sync.Mutex
	disabled bool

	initOnce sync.Once
	noColor  bool
)

// Disable forces colors off. It cannot force them on: NO_COLOR or a
// non-terminal stdout keeps them off regardless.
func Disable(off bool) {
	mu.Lock()
	defer mu.Unlock()
	disabled = off
}

func enabled() bool {
	initOnce.Do(func() {
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
			return
		}
		if !isTerminal(os.Stdout) {
			noColor = true
		}
	})

	mu.Lock()
	defer mu.Unlock()
	return !disabled && !noColor
}

func wrap(code, s string) string {
	if !enabled() {
		return s
	}
	return code + s + reset
}

// Green returns s in green (available agents, successful sessions).
func Green(s string) string { return wrap(green, s) }

// Red returns s in red (failures).
func Red(s string) string { return wrap(red, s) }

// Yellow returns s in yellow (pending agents, queued sessions).
func Yellow(s string) string { return wrap(yellow, s) }

// Dim returns s in dim (inactive agents, secondary info).
func Dim(s string) string { return wrap(dim, s) }

// Bold returns s in bold (headers).
func Bold(s string) string { return wrap(bold, s) }

// Cyan returns s in cyan (busy agents, identifiers).
func Cyan(s string) string { return wrap(cyan, s) }

// Redf formats and returns the result in red.
func Redf(format string, a ...any) string { return Red(fmt.Sprintf(format, a...)) }

// Dimf formats and returns the result in dim.
func Dimf(format string, a ...any) string { return Dim(fmt.Sprintf(format, a...)) }

// ForState picks the color for an agent state, session state or session
// result. Unknown values are left plain.
func ForState(state string) func(string) string {
	switch strings.ToLower(state) {
	case "available", "success", "done":
		return Green
	case "pending", "queued", "to-agent", "unknown":
		return Yellow
	case "busy", "running":
		return Cyan
	case "inactive", "new":
		return Dim
	case "failed", "aborted":
		return Red
	}
	return func(s string) string { return s }
}

// PadRight pads s with spaces to the given visible width, then wraps in
// color. fmt's %-Ns pads by byte length, which counts the invisible ANSI
// codes.
func PadRight(s string, width int, color func(string) string) string {
	n := len([]rune(s))
	if n >= width {
		return color(s)
	}
	return color(s + strings.Repeat(" ", width-n))
}

// PadLeft pads s with leading spaces to the given visible width, then wraps
// in color.
func PadLeft(s string, width int, color func(string) string) string {
	n := len([]rune(s))
	if n >= width {
		return color(s)
	}
	return color(strings.Repeat(" ", width-n) + s)
}
