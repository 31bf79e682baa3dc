package term

import (
	"os"

	"github.com/mattn/go-isatty"
	xterm "golang.org/x/term"
)

// isTerminal reports whether f is connected to a terminal, including
// Cygwin/MSYS ptys on Windows.
func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Width returns the terminal width in columns, or fallback if stdout is not
// a terminal.
func Width(fallback int) int {
	w, _, err := xterm.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}
