package deepgram

import (
	"strings"
	"testing"

	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/resilience"
)

func TestConfigFromSettingsAppliesDefaults(t *testing.T) {
	cfg, err := ConfigFromSettings(map[string]any{"api_key": "dg-key", "sample_rate": 8000})
	if err != nil {
		t.Fatalf("config error: %v", err)
	}
	if cfg.Model == "" || cfg.Encoding != "linear16" || cfg.SampleRate != 8000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestConfigFromSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := ConfigFromSettings(map[string]any{"api_key": "k", "voice_id": "x"})
	if err == nil || !strings.Contains(err.Error(), "voice_id") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := ConfigFromSettings(map[string]any{}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
}

func TestClassifyErrors(t *testing.T) {
	rl := classify("TOO_MANY_REQUESTS", "Too many requests, please retry later")
	if !resilience.IsRateLimit(rl) {
		t.Fatalf("expected rate limit, got %v", rl)
	}
	if !errorsx.HasReason(rl, errorsx.ReasonUpstreamRateLimit) {
		t.Fatalf("expected rate limit reason, got %s", errorsx.Reason(rl))
	}
	if !errorsx.HasReason(classify("INVALID_AUDIO", "bad frame"), errorsx.ReasonUpstreamInvalidAudio) {
		t.Fatalf("expected invalid audio reason")
	}
	if !errorsx.HasReason(classify("X", "socket"), errorsx.ReasonUpstreamConnect) {
		t.Fatalf("expected connect reason")
	}
}
