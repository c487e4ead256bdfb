package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribehub/pkg/adapters/stt"
	"github.com/harunnryd/scribehub/pkg/configutil"
	"github.com/harunnryd/scribehub/pkg/errorsx"
	"github.com/harunnryd/scribehub/pkg/logging"
	"github.com/harunnryd/scribehub/pkg/redact"
	"github.com/harunnryd/scribehub/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Channels       int    `mapstructure:"channels"`
	Interim        *bool  `mapstructure:"interim"`
	Diarize        *bool  `mapstructure:"diarize"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

var settingsSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "sample_rate", "encoding", "channels", "interim", "diarize", "smart_format", "utterance_end_ms"},
}

// ConfigFromSettings decodes the free-form upstream.settings map.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.DecodeValidated(settings, settingsSchema, &cfg); err != nil {
		return Config{}, fmt.Errorf("deepgram settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "upstream.settings.api_key"); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-medical"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	return c
}

// Dialer opens live Deepgram transcription streams.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (d *Dialer) Name() string { return "deepgram_streaming" }

// Dial connects one websocket stream. The SDK connect call blocks, so it is
// raced against ctx here as well as by the caller.
func (d *Dialer) Dial(ctx context.Context, sink stt.Sink) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		cfg:    d.cfg,
		sink:   sink,
		logger: d.logger,
		cancel: cancel,
	}
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Encoding:       d.cfg.Encoding,
		SampleRate:     d.cfg.SampleRate,
		Channels:       d.cfg.Channels,
		InterimResults: configutil.Value(d.cfg.Interim, true),
		Diarize:        configutil.Value(d.cfg.Diarize, true),
		SmartFormat:    configutil.Value(d.cfg.SmartFormat, true),
	}
	if d.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(d.cfg.UtteranceEndMS)
	}

	d.logger.Info("initializing deepgram connection",
		slog.String("model", d.cfg.Model),
		slog.Int("sample_rate", d.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(streamCtx, d.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("create deepgram client: %w", err), errorsx.ReasonUpstreamConnect)
	}
	s.dgClient = dgClient

	connected := make(chan bool, 1)
	go func() { connected <- dgClient.Connect() }()
	select {
	case ok := <-connected:
		if !ok {
			_ = s.Close()
			return nil, errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonUpstreamConnect)
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	d.logger.Info("deepgram_connected", slog.String("model", d.cfg.Model))

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && streamCtx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.sink.OnClose(errorsx.Wrap(err, errorsx.ReasonUpstreamConnect))
		}
	}()
	return s, nil
}

type stream struct {
	cfg        Config
	sink       stt.Sink
	logger     *slog.Logger
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	closing    atomic.Bool
	closeOnce  sync.Once
	metaLogged atomic.Bool
}

func (s *stream) SendAudio(frame []byte) error {
	if s.closing.Load() {
		return errors.New("deepgram stream closed")
	}
	_, err := s.pipeWriter.Write(frame)
	if err != nil {
		s.logger.Error("failed to send audio to deepgram", slog.String("error", err.Error()))
	}
	return err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("closing deepgram connection")
		s.cancel()
		_ = s.pipeWriter.Close()
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
	})
	return nil
}

// --- Callback Implementation ---

type callback struct {
	parent *stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal || mr.SpeechFinal,
		Confidence: alt.Confidence,
		Start:      seconds(mr.Start),
		Duration:   seconds(mr.Duration),
	}
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		t.Speaker = "speaker_" + strconv.Itoa(*alt.Words[0].Speaker)
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(t.Text)),
		slog.Bool("is_final", t.IsFinal))
	c.parent.sink.OnTranscript(t)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	if c.parent.closing.Load() {
		return nil
	}
	c.parent.logger.Warn("deepgram_connection_closed")
	c.parent.sink.OnClose(nil)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.sink.OnError(classify(er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.Int("size_bytes", len(byData)))
	return nil
}

// classify maps a Deepgram error to the upstream error taxonomy.
func classify(code, msg string) error {
	text := code + ": " + msg
	switch {
	case resilience.LooksRateLimited(text):
		return errorsx.Wrap(resilience.RateLimitError{Provider: "deepgram", Message: text}, errorsx.ReasonUpstreamRateLimit)
	case code == "INVALID_AUDIO" || code == "DATA-0000":
		return errorsx.New(errorsx.ReasonUpstreamInvalidAudio, text)
	case code == "NET-0001":
		return errorsx.New(errorsx.ReasonUpstreamTimeout, text)
	default:
		return errorsx.New(errorsx.ReasonUpstreamConnect, text)
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var _ stt.Dialer = (*Dialer)(nil)
var _ stt.Stream = (*stream)(nil)
