package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	oldLogger := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	path := filepath.Join(t.TempDir(), "nested", "hub.log")
	if err := Setup("debug", path); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	slog.Debug("hub endpoint registered", "endpoint", "panel")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "hub endpoint registered") {
		t.Fatalf("log file = %q; want debug record", data)
	}
}
