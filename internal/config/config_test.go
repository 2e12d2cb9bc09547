package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TRACKER_TOKEN", "tok_12345")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
log_level: debug
tracker:
  base_url: https://api.tracker.example.com/v2
  token: ${TEST_TRACKER_TOKEN}
engine:
  max_rounds: 12
  tool_timeout: 5s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracker.Token != "tok_12345" {
		t.Errorf("Tracker.Token = %q, want expanded env value", cfg.Tracker.Token)
	}
	if cfg.Engine.MaxRounds != 12 {
		t.Errorf("Engine.MaxRounds = %d, want 12", cfg.Engine.MaxRounds)
	}
	if cfg.Engine.ToolTimeout != 5*time.Second {
		t.Errorf("Engine.ToolTimeout = %v, want 5s", cfg.Engine.ToolTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.ModelTimeout != 120*time.Second {
		t.Errorf("Engine.ModelTimeout = %v, want default 120s", cfg.Engine.ModelTimeout)
	}
	if cfg.Resolver.CacheTTL != 5*time.Minute {
		t.Errorf("Resolver.CacheTTL = %v, want default 5m", cfg.Resolver.CacheTTL)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("FindConfig() with missing explicit path should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"Debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  warn  ", slog.LevelWarn, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	if got.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", got.Value.String())
	}

	b := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	got = ReplaceLogLevelNames(nil, b)
	if got.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Error("non-trace levels should pass through unchanged")
	}
}
