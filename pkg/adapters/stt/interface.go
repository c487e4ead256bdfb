package stt

import (
	"context"
	"time"
)

// Transcript is one recognition result from the upstream service.
type Transcript struct {
	Text       string
	Speaker    string
	IsFinal    bool
	Confidence float64
	Start      time.Duration
	Duration   time.Duration
}

// Sink receives events from one live upstream stream. Calls may arrive from
// provider goroutines; implementations must be safe for concurrent use.
type Sink interface {
	OnTranscript(Transcript)
	// OnError reports a non-fatal upstream error on a live stream.
	OnError(err error)
	// OnClose reports an upstream-initiated close. err is nil for a clean close.
	OnClose(err error)
}

// Stream is one live duplex connection to the transcription service.
type Stream interface {
	SendAudio(frame []byte) error
	Close() error
}

// Dialer opens upstream streams. Dial must honor ctx cancellation.
type Dialer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Dial(ctx context.Context, sink Sink) (Stream, error)
}

// Config contains vendor-agnostic stream identity used for logging.
type Config struct {
	SessionID  string
	OperatorID string
	SampleRate int
	Language   string
}
