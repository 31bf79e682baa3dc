package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/baiirun/ahq/internal/term"
)

// formatAge renders how long ago t was, compactly.
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// truncate shortens s to max runes, appending an ellipsis if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// columnWidth is what is left of the terminal after used columns, but never
// less than 20.
func columnWidth(used int) int {
	return max(term.Width(120)-used, 20)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatLabels(labels []string) string {
	return orDash(strings.Join(labels, ","))
}

// colorState pads state to width and colors it by meaning.
func colorState(state string, width int) string {
	return term.PadRight(state, width, term.ForState(state))
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
