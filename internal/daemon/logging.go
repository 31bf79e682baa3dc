package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LogOptions selects the daemon's log handler.
type LogOptions struct {
	Level  string
	Format string
}

// NewLogger builds a slog logger writing to w. Level is debug, info, warn
// or error (default info); Format is text or json (default text).
func NewLogger(w io.Writer, opts LogOptions) (*slog.Logger, error) {
	level := slog.LevelInfo
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log-level %q: must be debug, info, warn or error", opts.Level)
		}
	}
	ho := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, ho)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, ho)), nil
	default:
		return nil, fmt.Errorf("log-format %q: must be text or json", opts.Format)
	}
}
