package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLoggerJSONIncludesComponent(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(Options{Level: "info", Format: "json", Writer: &buf})
	NewComponentLogger(logger, "broker").Info("client_connected", "client_id", "c1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "broker" {
		t.Fatalf("expected component broker, got %v", rec["component"])
	}
	if rec["msg"] != "client_connected" {
		t.Fatalf("expected msg client_connected, got %v", rec["msg"])
	}
}

func TestAutoFormatFallsBackToJSONForNonTerminal(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitLogger(Options{Level: "debug", Format: "auto", Writer: &buf}).Debug("probe")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected json output for buffer writer, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestSetLevelAppliesToInitializedLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(Options{Level: "warn", Format: "text", Writer: &buf})
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn, got %q", buf.String())
	}
	SetLevel("info")
	defer SetLevel("info")
	logger.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected info after SetLevel, got %q", buf.String())
	}
	if CurrentLevel() != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", CurrentLevel())
	}
}
