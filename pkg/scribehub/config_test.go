package scribehub

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scribehub.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndExpansion(t *testing.T) {
	t.Setenv("DG_KEY", "secret-key")
	path := writeConfig(t, `
upstream:
  provider: deepgram
  settings:
    api_key: ${DG_KEY}
    model: nova-2-medical
storage:
  path: ${TMPDIR_SCRIBE}/db.sqlite
`)
	t.Setenv("TMPDIR_SCRIBE", "/var/lib/scribehub")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstream.Settings["api_key"] != "secret-key" {
		t.Fatalf("expected expanded api key, got %v", cfg.Upstream.Settings["api_key"])
	}
	if cfg.Storage.Path != "/var/lib/scribehub/db.sqlite" {
		t.Fatalf("expected expanded storage path, got %q", cfg.Storage.Path)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.WSPath != "/ws" {
		t.Fatalf("expected server defaults, got %+v", cfg.Server)
	}
	if cfg.OfflineQueue.MaxSize != 1000 || cfg.OfflineQueue.MaxRetries != 3 {
		t.Fatalf("expected queue defaults, got %+v", cfg.OfflineQueue)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("expected redaction on by default")
	}

	bc := cfg.BrokerConfig()
	if bc.FlushInterval != 5*time.Second || bc.Reconnect.MaxRetries != 10 || bc.Reconnect.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected broker config %+v", bc)
	}
	qc := cfg.QueueConfig()
	if qc.HealthInterval != 30*time.Second || len(qc.ProtectedTables) != 2 {
		t.Fatalf("unexpected queue config %+v", qc)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SCRIBEHUB_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("SCRIBEHUB_LOG_LEVEL", "debug")
	path := writeConfig(t, "upstream:\n  provider: mock\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("expected env addr, got %q", cfg.Server.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	path := writeConfig(t, `
server:
  ws_path: ws
offline_queue:
  max_size: -1
log_format: xml
upstream:
  reconnect:
    base_delay_ms: 5000
    max_delay_ms: 100
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"ws_path", "max_size", "log_format", "max_delay_ms"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
