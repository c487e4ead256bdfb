package scribehub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/broker"
	"github.com/harunnryd/scribehub/pkg/configutil"
	"github.com/harunnryd/scribehub/pkg/providers/deepgram"
	"github.com/harunnryd/scribehub/pkg/providers/mock"
)

// UpstreamBuilder turns upstream.settings into a per-recording dialer factory.
type UpstreamBuilder func(settings map[string]any) (broker.DialerFactory, error)

type ProviderRegistry struct {
	upstream map[string]UpstreamBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{upstream: make(map[string]UpstreamBuilder)}
}

// DefaultProviders registers the built-in transcription providers.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterUpstream("deepgram", buildDeepgram)
	r.RegisterUpstream("mock", buildMock)
	return r
}

func (r *ProviderRegistry) RegisterUpstream(name string, builder UpstreamBuilder) {
	r.upstream[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) BuildUpstream(provider string, settings map[string]any) (broker.DialerFactory, error) {
	fn := r.upstream[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("upstream provider not registered: %s (have %s)", provider, strings.Join(r.Names(), ", "))
	}
	return fn(settings)
}

func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.upstream))
	for name := range r.upstream {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func buildDeepgram(settings map[string]any) (broker.DialerFactory, error) {
	cfg, err := deepgram.ConfigFromSettings(settings)
	if err != nil {
		return nil, err
	}
	dialer := deepgram.NewDialer(cfg)
	return func(string) (stt.Dialer, error) { return dialer, nil }, nil
}

type mockSettings struct {
	Transcript  string `mapstructure:"transcript"`
	Speaker     string `mapstructure:"speaker"`
	EmitEvery   int    `mapstructure:"emit_every"`
	DialDelayMS int    `mapstructure:"dial_delay_ms"`
}

var mockSchema = configutil.Schema{
	Optional: []string{"transcript", "speaker", "emit_every", "dial_delay_ms"},
}

// buildMock gives each recording its own in-memory upstream.
func buildMock(settings map[string]any) (broker.DialerFactory, error) {
	var s mockSettings
	if err := configutil.DecodeValidated(settings, mockSchema, &s); err != nil {
		return nil, fmt.Errorf("mock settings: %w", err)
	}
	if s.EmitEvery == 0 {
		s.EmitEvery = 50
	}
	cfg := mock.STTConfig{
		Transcript: s.Transcript,
		Speaker:    s.Speaker,
		EmitEvery:  s.EmitEvery,
		DialDelay:  configutil.Millis(s.DialDelayMS, 0),
	}
	return func(string) (stt.Dialer, error) { return mock.NewDialer(cfg), nil }, nil
}
