package cmd

import (
	"strings"
	"testing"
	"time"
)

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "-"},
		{"future clamps", now.Add(time.Minute), "0s"},
		{"seconds", now.Add(-42 * time.Second), "42s"},
		{"minutes", now.Add(-5 * time.Minute), "5m"},
		{"whole hours", now.Add(-2 * time.Hour), "2h"},
		{"hours and minutes", now.Add(-(3*time.Hour + 15*time.Minute)), "3h15m"},
		{"days", now.Add(-(50 * time.Hour)), "2d2h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAge(tt.t, now); got != tt.want {
				t.Errorf("formatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 8, "this is…"},
		{"héllo wörld", 6, "héllo…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.s, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
		}
	}
}

func TestFormatLabels(t *testing.T) {
	if got := formatLabels(nil); got != "-" {
		t.Errorf("formatLabels(nil) = %q, want -", got)
	}
	if got := formatLabels([]string{"linux", "x86_64"}); got != "linux,x86_64" {
		t.Errorf("formatLabels = %q", got)
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"GOFLAGS=-mod=mod", "EMPTY="})
	if err != nil {
		t.Fatalf("parseEnv: %v", err)
	}
	if env["GOFLAGS"] != "-mod=mod" {
		t.Errorf("GOFLAGS = %q, want -mod=mod", env["GOFLAGS"])
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Errorf("EMPTY = %q (present %v), want empty and present", v, ok)
	}

	if env, err := parseEnv(nil); err != nil || env != nil {
		t.Errorf("parseEnv(nil) = %v, %v; want nil, nil", env, err)
	}

	for _, bad := range []string{"NOEQUALS", "=value"} {
		_, err := parseEnv([]string{bad})
		if err == nil || !strings.Contains(err.Error(), bad) {
			t.Errorf("parseEnv(%q) error = %v, want one naming the pair", bad, err)
		}
	}
}

func TestColumnWidthFloor(t *testing.T) {
	if got := columnWidth(1 << 20); got != 20 {
		t.Errorf("columnWidth(huge) = %d, want floor 20", got)
	}
}
